package action

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/crmforge/bulkactions/internal/handler"
)

const (
	// fileBatchSize is the number of CSV rows accumulated before a batch
	// insert is flushed.
	fileBatchSize = 1000

	// maxInFlightBatches bounds parsed-but-unflushed batches so a slow
	// database applies backpressure to the CSV reader instead of letting
	// parsed rows pile up in memory.
	maxInFlightBatches = 4
)

// csvColumns is the expected header order of an entity CSV upload.
var csvColumns = []string{"id", "name", "email", "age", "status"}

// FileRequest is an intake request whose entities arrive as a CSV stream.
type FileRequest struct {
	ActionType   string
	AccountID    string
	Config       map[string]any
	ScheduledFor *time.Time
}

// CreateBulkActionFromFile accepts a bulk action whose entities are read
// from a CSV stream. The first row is treated as a header and skipped.
// Rows flow through a bounded pipeline: a reader goroutine parses batches
// of fileBatchSize rows while this goroutine flushes them in order, so at
// most maxInFlightBatches of parsed rows are held at once.
func (s *Service) CreateBulkActionFromFile(ctx context.Context, req FileRequest, file io.Reader) (*BulkAction, error) {
	h, ok := s.registry.Get(req.ActionType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedActionType, req.ActionType)
	}
	if err := h.ValidatePayload(ctx, handler.Payload{AccountID: req.AccountID, Config: req.Config}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	accountID := req.AccountID
	if accountID == "" {
		accountID = DefaultAccountID
	}
	a, err := s.actions.Create(ctx, &BulkAction{
		ActionType:   req.ActionType,
		Status:       StatusPending,
		ScheduledFor: scheduledTime(req.ScheduledFor, req.Config),
		AccountID:    accountID,
		Config:       req.Config,
	})
	if err != nil {
		return nil, fmt.Errorf("create bulk action: %w", err)
	}

	total, err := s.ingestCSV(ctx, a.ID, file)
	if err != nil {
		// The record already exists; mark it failed rather than leaving a
		// pending action with a half-ingested entity set.
		if serr := s.actions.SetStatus(ctx, a.ID, StatusFailed); serr != nil {
			log.Printf("[BulkActionService] Failed to mark action %s failed after ingest error: %v", a.ID, serr)
		}
		return nil, fmt.Errorf("ingest csv for action %s: %w", a.ID, err)
	}
	if err := s.actions.SetStatsTotal(ctx, a.ID, total); err != nil {
		return nil, fmt.Errorf("record entity total: %w", err)
	}
	a.Stats.Total = total

	if err := s.dispatch(ctx, a); err != nil {
		return nil, err
	}
	log.Printf("[BulkActionService] Accepted file-based action %s type=%s entities=%d", a.ID, a.ActionType, total)
	return a, nil
}

// ingestCSV runs the bounded parse/flush pipeline and returns the number
// of entities stored (duplicates within the file collapse to one).
func (s *Service) ingestCSV(ctx context.Context, actionID string, file io.Reader) (int, error) {
	batches := make(chan []EntityInput, maxInFlightBatches)
	readErr := make(chan error, 1)

	go func() {
		defer close(batches)
		readErr <- s.readBatches(ctx, file, batches)
	}()

	total := 0
	for batch := range batches {
		inserted, err := s.entities.CreateBatch(ctx, actionID, batch)
		if err != nil {
			// Drain so the reader goroutine can exit.
			for range batches {
			}
			<-readErr
			return 0, err
		}
		total += inserted
	}
	if err := <-readErr; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Service) readBatches(ctx context.Context, file io.Reader, batches chan<- []EntityInput) error {
	r := csv.NewReader(file)
	r.FieldsPerRecord = -1

	batch := make([]EntityInput, 0, fileBatchSize)
	header := true
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read csv: %w", err)
		}
		if header {
			header = false
			continue
		}
		in, ok := parseRow(row)
		if !ok {
			continue
		}
		batch = append(batch, in)
		if len(batch) == fileBatchSize {
			select {
			case batches <- batch:
			case <-ctx.Done():
				return ctx.Err()
			}
			batch = make([]EntityInput, 0, fileBatchSize)
		}
	}
	if len(batch) > 0 {
		select {
		case batches <- batch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// parseRow maps one CSV row to an entity. Rows without an id are dropped;
// everything else is ingested as-is, with an unparseable age left unset so
// the per-entity handler decides how to treat the record.
func parseRow(row []string) (EntityInput, bool) {
	if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
		return EntityInput{}, false
	}
	data := make(map[string]any, len(csvColumns))
	for i, col := range csvColumns {
		if i >= len(row) {
			break
		}
		val := strings.TrimSpace(row[i])
		if val == "" {
			continue
		}
		if col == "age" {
			if n, err := strconv.Atoi(val); err == nil {
				data[col] = n
			}
			continue
		}
		data[col] = val
	}
	return EntityInput{EntityID: strings.TrimSpace(row[0]), EntityData: data}, true
}
