// Package directory looks patients up in the external patient directory,
// joining the patient record with the user account that carries the name.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/metrics"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/model"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/pipeline"
)

type Options struct {
	// Timeout bounds each HTTP attempt.
	Timeout time.Duration
	// MaxRetries is the number of attempts after the first.
	MaxRetries   int
	InitialDelay time.Duration
	HTTPClient   *http.Client
	Metrics      *metrics.Metrics
}

type Client struct {
	baseURL string
	opts    Options
}

func NewClient(baseURL string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = 200 * time.Millisecond
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), opts: opts}
}

type patientEntry struct {
	PatientID      int64  `json:"patient_id"`
	MedicalHistory string `json:"medical_history"`
	SSN            any    `json:"ssn"`
}

type userEntry struct {
	UserID    int64  `json:"user_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Lookup fetches the patient and user records concurrently and merges them.
// Either record missing yields NOT_FOUND; exhausted retries yield UNAVAILABLE.
// A partial merge is never returned.
func (c *Client) Lookup(ctx context.Context, patientID int64) (model.Patient, error) {
	start := time.Now()

	var (
		patient patientEntry
		user    userEntry
	)
	id := strconv.FormatInt(patientID, 10)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var body struct {
			Patients []patientEntry `json:"patients"`
		}
		if err := c.fetch(gctx, "/patients", url.Values{"patient_id": {id}}, &body); err != nil {
			return err
		}
		for _, p := range body.Patients {
			if p.PatientID == patientID {
				patient = p
				return nil
			}
		}
		return pipeline.NewError(pipeline.ErrCodeNotFound, fmt.Sprintf("patient %d not in directory", patientID))
	})
	g.Go(func() error {
		var body struct {
			Users []userEntry `json:"users"`
		}
		if err := c.fetch(gctx, "/users", url.Values{"user_id": {id}}, &body); err != nil {
			return err
		}
		for _, u := range body.Users {
			if u.UserID == patientID {
				user = u
				return nil
			}
		}
		return pipeline.NewError(pipeline.ErrCodeNotFound, fmt.Sprintf("user %d not in directory", patientID))
	})

	if err := g.Wait(); err != nil {
		c.opts.Metrics.ObserveLookup(resultOf(err), time.Since(start))
		return model.Patient{}, err
	}

	c.opts.Metrics.ObserveLookup("found", time.Since(start))
	return model.Patient{
		PatientID:      patient.PatientID,
		FirstName:      user.FirstName,
		LastName:       user.LastName,
		MedicalHistory: patient.MedicalHistory,
		SSN:            formatSSN(patient.SSN),
	}, nil
}

func resultOf(err error) string {
	switch {
	case pipeline.IsNotFound(err):
		return "not_found"
	case pipeline.IsUnavailable(err):
		return "unavailable"
	default:
		return "error"
	}
}

func formatSSN(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprint(s)
	}
}

func (c *Client) fetch(ctx context.Context, path string, query url.Values, out any) error {
	target := c.baseURL + path + "?" + query.Encode()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialDelay
	b.MaxInterval = 5 * c.opts.InitialDelay

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, c.get(ctx, target, out)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.opts.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("Directory request failed, retrying", "url", target, "attempt", attempt, "next", next, "error", err)
		}),
	)
	if err == nil {
		return nil
	}
	if pipeline.CodeOf(err) != "" {
		return err
	}
	return pipeline.NewErrorWithCause(pipeline.ErrCodeUnavailable, "patient directory "+path, err)
}

// get performs one attempt. Errors wrapped in backoff.Permanent stop the retries.
func (c *Client) get(ctx context.Context, target string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return backoff.Permanent(pipeline.NewErrorWithCause(pipeline.ErrCodeConfiguration, "build directory request", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(pipeline.NewError(pipeline.ErrCodeNotFound, "directory returned 404 for "+target))
	case resp.StatusCode >= 500:
		return fmt.Errorf("directory returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return backoff.Permanent(pipeline.NewError(pipeline.ErrCodeUnavailable,
			fmt.Sprintf("directory rejected request with %d", resp.StatusCode)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return backoff.Permanent(pipeline.NewErrorWithCause(pipeline.ErrCodeUnavailable, "directory returned invalid JSON", err))
	}
	return nil
}
