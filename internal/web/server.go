package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/broker"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/config"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/metrics"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/model"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/pipeline"
)

type Store interface {
	Ping(ctx context.Context) error
	UpdateOrderStatus(ctx context.Context, update model.OrderUpdate) error
	GetOrder(ctx context.Context, orderID int64) (model.Order, error)
	ListOrders(ctx context.Context) ([]model.Order, error)
	CreateMedication(ctx context.Context, name, description string) (model.Medication, error)
	GetMedication(ctx context.Context, medicationID int64) (model.Medication, error)
	GetPatient(ctx context.Context, patientID int64) (model.Patient, error)
}

type Directory interface {
	Lookup(ctx context.Context, patientID int64) (model.Patient, error)
}

type Publisher interface {
	RequestPatient(ctx context.Context, patientID int64) error
	Dispatch(ctx context.Context, queue string, payload []byte) error
}

// DeadLetters is the inspectable dead-letter store. It is only available
// when running on NATS.
type DeadLetters interface {
	List(ctx context.Context) ([]model.DeadLetter, error)
	Get(ctx context.Context, id string) (model.DeadLetter, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (uint64, error)
}

// Consumers reports, per queue, whether the ingest consumer holds a live
// delivery stream.
type Consumers interface {
	Subscribed() map[string]bool
}

type Deps struct {
	Store       Store
	Directory   Directory
	Publisher   Publisher
	Consumers   Consumers
	DeadLetters DeadLetters         // nil in AMQP mode
	JetStream   jetstream.JetStream // nil in AMQP mode
	Metrics     *metrics.Metrics
}

type Server struct {
	echo   *echo.Echo
	deps   Deps
	config *config.Config
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{
		echo:   e,
		deps:   deps,
		config: cfg,
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.WebPort)
	slog.Info("Web server starting", "port", s.config.WebPort)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) setupRoutes() {
	s.echo.GET("/orders", s.handleListOrders)
	s.echo.GET("/orders/:id", s.handleGetOrder)
	s.echo.PATCH("/orders/:id", s.handleUpdateOrder)
	s.echo.POST("/medications", s.handleCreateMedication)
	s.echo.GET("/medications/:id", s.handleGetMedication)
	s.echo.GET("/patient/:id", s.handleLookupPatient)
	s.echo.GET("/patients/:id", s.handleGetPatient)

	api := s.echo.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/streams", s.handleGetStreams)
	api.GET("/consumers", s.handleGetConsumers)
	api.GET("/dead-letters", s.handleGetDeadLetters)
	api.POST("/dead-letters/:id/retry", s.handleRetryDeadLetter)

	if s.deps.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.deps.Metrics.Handler()))
	}
}

func message(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]string{"message": msg})
}

func pathID(c echo.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) handleListOrders(c echo.Context) error {
	orders, err := s.deps.Store.ListOrders(c.Request().Context())
	if err != nil {
		slog.Error("List orders failed", "error", err)
		return message(c, http.StatusInternalServerError, "Server error, please try again later.")
	}
	return c.JSON(http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) handleGetOrder(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return message(c, http.StatusNotFound, "Invalid Order ID.")
	}

	order, err := s.deps.Store.GetOrder(c.Request().Context(), id)
	switch {
	case pipeline.IsNotFound(err):
		return message(c, http.StatusNotFound, "Invalid Order ID.")
	case err != nil:
		slog.Error("Get order failed", "orderID", id, "error", err)
		return message(c, http.StatusInternalServerError, "Server error, please try again later.")
	}
	return c.JSON(http.StatusOK, order)
}

type orderPatch struct {
	MedicationID *int64  `json:"medication_id"`
	Status       *string `json:"status"`
	PatientID    *int64  `json:"patient_id"`
}

func (s *Server) handleUpdateOrder(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return message(c, http.StatusNotFound, "Invalid Order ID.")
	}

	var patch orderPatch
	if err := c.Bind(&patch); err != nil {
		return message(c, http.StatusBadRequest, "Request body must be a JSON object.")
	}

	update := model.OrderUpdate{
		OrderID:      id,
		MedicationID: patch.MedicationID,
		PatientID:    patch.PatientID,
	}
	if patch.Status != nil {
		status, err := model.ParseOrderStatus(*patch.Status)
		if err != nil {
			return message(c, http.StatusBadRequest,
				"Invalid status. (must be 'accepted', 'rejected', 'pending', 'canceled', or 'ready')")
		}
		update.Status = &status
	}
	if update.Empty() {
		return message(c, http.StatusOK, "Updated nothing.")
	}

	err := s.deps.Store.UpdateOrderStatus(c.Request().Context(), update)
	switch {
	case err == nil:
		slog.Info("Order updated", "orderID", id)
		return message(c, http.StatusOK, "Order Updated.")
	case pipeline.IsNotFound(err):
		return message(c, http.StatusNotFound, "Invalid Order ID.")
	case pipeline.IsConstraint(err):
		return message(c, http.StatusBadRequest, "Invalid Medication ID or Patient ID.")
	case pipeline.IsMalformed(err):
		return message(c, http.StatusBadRequest, err.Error())
	default:
		slog.Error("Order update failed", "orderID", id, "error", err)
		return message(c, http.StatusInternalServerError, "Server error updating order.")
	}
}

type medicationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleCreateMedication(c echo.Context) error {
	var req medicationRequest
	if err := c.Bind(&req); err != nil || req.Name == "" || req.Description == "" {
		return message(c, http.StatusBadRequest, "Required parameters not sent.")
	}

	med, err := s.deps.Store.CreateMedication(c.Request().Context(), req.Name, req.Description)
	switch {
	case pipeline.IsMalformed(err):
		return message(c, http.StatusBadRequest, err.Error())
	case err != nil:
		slog.Error("Create medication failed", "error", err)
		return message(c, http.StatusInternalServerError, "Server error, please try again later.")
	}

	slog.Info("Medication added", "medicationID", med.MedicationID, "name", med.Name)
	return c.JSON(http.StatusCreated, map[string]any{
		"message":       "Medication Added.",
		"medication_id": med.MedicationID,
	})
}

func (s *Server) handleGetMedication(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return message(c, http.StatusNotFound, "Invalid Medication ID.")
	}

	med, err := s.deps.Store.GetMedication(c.Request().Context(), id)
	switch {
	case pipeline.IsNotFound(err):
		return message(c, http.StatusNotFound, "Invalid Medication ID.")
	case err != nil:
		slog.Error("Get medication failed", "medicationID", id, "error", err)
		return message(c, http.StatusInternalServerError, "Server error, please try again later.")
	}
	return c.JSON(http.StatusOK, med)
}

// handleLookupPatient asks the patient directory. When the directory does
// not know the patient a patient_request is published so the record gets
// pushed to us later.
func (s *Server) handleLookupPatient(c echo.Context) error {
	ctx := c.Request().Context()
	id, ok := pathID(c)
	if !ok {
		return message(c, http.StatusNotFound, "Invalid patient!")
	}

	patient, err := s.deps.Directory.Lookup(ctx, id)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]any{"patient": patient})
	case pipeline.IsNotFound(err):
		if perr := s.deps.Publisher.RequestPatient(ctx, id); perr != nil {
			slog.Error("Patient request not published", "patientID", id, "error", perr)
		}
		return message(c, http.StatusNotFound, "Invalid patient!")
	case pipeline.IsUnavailable(err):
		slog.Warn("Patient directory unavailable", "patientID", id, "error", err)
		return message(c, http.StatusServiceUnavailable, "Patient directory unavailable, please try again later.")
	default:
		slog.Error("Patient lookup failed", "patientID", id, "error", err)
		return message(c, http.StatusInternalServerError, "Server error, please try again later.")
	}
}

func (s *Server) handleGetPatient(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return message(c, http.StatusNotFound, "Invalid patient!")
	}

	patient, err := s.deps.Store.GetPatient(c.Request().Context(), id)
	switch {
	case pipeline.IsNotFound(err):
		return message(c, http.StatusNotFound, "Invalid patient!")
	case err != nil:
		slog.Error("Get patient failed", "patientID", id, "error", err)
		return message(c, http.StatusInternalServerError, "Server error, please try again later.")
	}
	return c.JSON(http.StatusOK, map[string]any{"patient": patient})
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	components := make(map[string]string)
	overallStatus := "healthy"

	if err := s.deps.Store.Ping(ctx); err != nil {
		components["database"] = "unhealthy: " + err.Error()
		overallStatus = "unhealthy"
	} else {
		components["database"] = "healthy"
	}

	if s.deps.JetStream != nil {
		if _, err := s.deps.JetStream.AccountInfo(ctx); err != nil {
			components["nats"] = "unhealthy: " + err.Error()
			overallStatus = "unhealthy"
		} else {
			components["nats"] = "healthy"
		}

		for _, queue := range model.IngestQueues {
			stream, err := s.deps.JetStream.Stream(ctx, broker.StreamName(queue))
			if err != nil {
				components[queue] = "unhealthy: stream not found"
				if overallStatus == "healthy" {
					overallStatus = "degraded"
				}
				continue
			}
			components[queue] = fmt.Sprintf("healthy (messages: %d)", stream.CachedInfo().State.Msgs)
		}
	} else {
		components["broker"] = s.config.Broker
	}

	if s.deps.Consumers != nil {
		for queue, ok := range s.deps.Consumers.Subscribed() {
			if ok {
				components["consumer:"+queue] = "healthy"
				continue
			}
			components["consumer:"+queue] = "unhealthy: resubscribing"
			overallStatus = "unhealthy"
		}
	}

	if s.deps.DeadLetters != nil {
		if n, err := s.deps.DeadLetters.Count(ctx); err != nil {
			components["dead_letters"] = "unhealthy"
		} else {
			components["dead_letters"] = fmt.Sprintf("healthy (failed messages: %d)", n)
		}
	}

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	return c.JSON(statusCode, map[string]any{
		"status":     overallStatus,
		"timestamp":  time.Now(),
		"components": components,
	})
}

func (s *Server) handleGetStreams(c echo.Context) error {
	if s.deps.JetStream == nil {
		return message(c, http.StatusNotImplemented, "Stream information requires the NATS broker.")
	}

	ctx := c.Request().Context()
	streams := []model.StreamInfo{}

	queues := append(append([]string{}, model.IngestQueues...), model.PublishQueues...)
	for _, queue := range queues {
		stream, err := s.deps.JetStream.Stream(ctx, broker.StreamName(queue))
		if err != nil {
			continue
		}

		info, err := stream.Info(ctx)
		if err != nil {
			continue
		}

		streams = append(streams, model.StreamInfo{
			Queue:         queue,
			Name:          info.Config.Name,
			Messages:      info.State.Msgs,
			Bytes:         info.State.Bytes,
			FirstSequence: info.State.FirstSeq,
			LastSequence:  info.State.LastSeq,
		})
	}

	return c.JSON(http.StatusOK, streams)
}

func (s *Server) handleGetConsumers(c echo.Context) error {
	if s.deps.JetStream == nil {
		return message(c, http.StatusNotImplemented, "Consumer information requires the NATS broker.")
	}

	ctx := c.Request().Context()
	consumers := []model.ConsumerInfo{}

	for _, queue := range model.IngestQueues {
		stream, err := s.deps.JetStream.Stream(ctx, broker.StreamName(queue))
		if err != nil {
			continue
		}

		names := stream.ConsumerNames(ctx)
		for name := range names.Name() {
			consumer, err := stream.Consumer(ctx, name)
			if err != nil {
				continue
			}

			info, err := consumer.Info(ctx)
			if err != nil {
				continue
			}

			consumers = append(consumers, model.ConsumerInfo{
				Stream:          info.Stream,
				Name:            info.Name,
				Pending:         info.NumPending,
				Delivered:       info.Delivered.Consumer,
				AckPending:      info.NumAckPending,
				RedeliveryCount: info.NumRedelivered,
			})
		}
	}

	return c.JSON(http.StatusOK, consumers)
}

func (s *Server) handleGetDeadLetters(c echo.Context) error {
	if s.deps.DeadLetters == nil {
		return message(c, http.StatusNotImplemented, "Dead letters are published to <queue>.dead_letter in AMQP mode.")
	}

	letters, err := s.deps.DeadLetters.List(c.Request().Context())
	if err != nil {
		slog.Error("List dead letters failed", "error", err)
		return message(c, http.StatusInternalServerError, "Dead letters unavailable.")
	}

	if limit, err := strconv.Atoi(c.QueryParam("limit")); err == nil && limit > 0 && len(letters) > limit {
		letters = letters[:limit]
	}
	return c.JSON(http.StatusOK, letters)
}

// handleRetryDeadLetter puts the original body back on its queue and drops
// the dead letter.
func (s *Server) handleRetryDeadLetter(c echo.Context) error {
	if s.deps.DeadLetters == nil {
		return message(c, http.StatusNotImplemented, "Dead letters are published to <queue>.dead_letter in AMQP mode.")
	}

	ctx := c.Request().Context()
	id := c.Param("id")

	dl, err := s.deps.DeadLetters.Get(ctx, id)
	switch {
	case pipeline.IsNotFound(err):
		return message(c, http.StatusNotFound, "Dead letter not found.")
	case err != nil:
		slog.Error("Read dead letter failed", "id", id, "error", err)
		return message(c, http.StatusInternalServerError, "Dead letters unavailable.")
	}

	if err := s.deps.Publisher.Dispatch(ctx, dl.Queue, dl.Body); err != nil {
		return message(c, http.StatusBadGateway, "Message could not be requeued: "+err.Error())
	}

	if err := s.deps.DeadLetters.Delete(ctx, id); err != nil {
		slog.Error("Dead letter not removed after requeue", "id", id, "error", err)
	}

	slog.Info("Dead letter requeued", "id", id, "queue", dl.Queue, "messageID", dl.MessageID)

	return c.JSON(http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Message requeued.",
		"queue":   dl.Queue,
	})
}
