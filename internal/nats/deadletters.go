package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/model"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/pipeline"
)

// KVDeadLetters stores dead letters in the PHARMA_DLQ bucket, keyed by id.
type KVDeadLetters struct {
	kv jetstream.KeyValue
}

func NewKVDeadLetters(ctx context.Context, js jetstream.JetStream) (*KVDeadLetters, error) {
	kv, err := js.KeyValue(ctx, DeadLetterBucket)
	if err != nil {
		return nil, fmt.Errorf("open %s KV bucket: %w", DeadLetterBucket, err)
	}
	return &KVDeadLetters{kv: kv}, nil
}

func (d *KVDeadLetters) Put(ctx context.Context, dl model.DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", dl.ID, err)
	}
	if _, err := d.kv.Put(ctx, dl.ID, data); err != nil {
		return fmt.Errorf("store dead letter %s: %w", dl.ID, err)
	}
	return nil
}

func (d *KVDeadLetters) Get(ctx context.Context, id string) (model.DeadLetter, error) {
	entry, err := d.kv.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return model.DeadLetter{}, pipeline.NewError(pipeline.ErrCodeNotFound, "dead letter "+id+" not found")
	}
	if err != nil {
		return model.DeadLetter{}, fmt.Errorf("read dead letter %s: %w", id, err)
	}

	var dl model.DeadLetter
	if err := json.Unmarshal(entry.Value(), &dl); err != nil {
		return model.DeadLetter{}, fmt.Errorf("decode dead letter %s: %w", id, err)
	}
	return dl, nil
}

// List returns all dead letters, newest first.
func (d *KVDeadLetters) List(ctx context.Context) ([]model.DeadLetter, error) {
	letters := []model.DeadLetter{}

	keys, err := d.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return letters, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	for _, key := range keys {
		dl, err := d.Get(ctx, key)
		if err != nil {
			// deleted between Keys and Get
			continue
		}
		letters = append(letters, dl)
	}

	sort.Slice(letters, func(i, j int) bool {
		return letters[i].FailedAt.After(letters[j].FailedAt)
	})
	return letters, nil
}

func (d *KVDeadLetters) Delete(ctx context.Context, id string) error {
	if err := d.kv.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete dead letter %s: %w", id, err)
	}
	return nil
}

// Count reports how many dead letters are stored.
func (d *KVDeadLetters) Count(ctx context.Context) (uint64, error) {
	status, err := d.kv.Status(ctx)
	if err != nil {
		return 0, err
	}
	return status.Values(), nil
}
