package bqsink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/bigquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// BQ streams applied message facts into date-suffixed BigQuery tables.
// Inserts are buffered and flushed in batches; a full buffer drops the
// oldest-pressure path by blocking the caller until space frees up.
type BQ struct {
	logger       *slog.Logger
	recordSchema bigquery.Schema
	client       *bigquery.Client
	dataset      *bigquery.Dataset

	tablePrefix string

	tableDate string
	inserter  *bigquery.Inserter

	recordBuf chan *Record
	flushDone chan struct{}
}

var tracer = otel.Tracer("bqsink")

func NewBQ(
	ctx context.Context,
	projectID string,
	dataset string,
	tablePrefix string,
	logger *slog.Logger,
) (*BQ, error) {
	recordSchema, err := bigquery.InferSchema(Record{})
	if err != nil {
		return nil, fmt.Errorf("failed to infer schema: %w", err)
	}

	bqClient, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery client: %w", err)
	}

	bqDataset := bqClient.Dataset(dataset)

	if _, err := bqDataset.Metadata(ctx); err != nil {
		return nil, fmt.Errorf("failed to get dataset metadata, make sure to create it if it doesn't exist: %w", err)
	}

	bq := &BQ{
		recordSchema: recordSchema,
		client:       bqClient,
		dataset:      bqDataset,
		logger:       logger.With("module", "bqsink"),
		tablePrefix:  tablePrefix,
		recordBuf:    make(chan *Record, 100_000),
		flushDone:    make(chan struct{}),
	}

	// Batch insert buffered records every 5 seconds
	go func() {
		defer close(bq.flushDone)
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				if err := bq.insertRecords(context.WithoutCancel(ctx)); err != nil {
					logger.Error("failed to flush records on shutdown", "error", err)
				}
				return
			case <-t.C:
				if err := bq.insertRecords(ctx); err != nil {
					logger.Error("failed to insert records", "error", err)
				}
			}
		}
	}()

	return bq, nil
}

func (bq *BQ) InsertMessage(ctx context.Context, record *Record) {
	_, span := tracer.Start(ctx, "InsertMessage")
	defer span.End()

	span.SetAttributes(
		attribute.String("channel_id", record.ChannelID),
		attribute.String("message_id", record.MessageID),
		attribute.String("action", record.Action),
	)

	bq.recordBuf <- record

	recordsProcessed.WithLabelValues(bq.tablePrefix).Inc()
	queueDepth.WithLabelValues(bq.tablePrefix).Inc()
}

func (bq *BQ) insertRecords(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "insertRecords")
	defer span.End()

	// Create table if it doesn't exist
	if err := bq.CreateTableIfNotExists(ctx); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	// Grab up to 10_000 records from the buffer
	batchSize := 10_000

	records := make([]*Record, 0, batchSize)
loop:
	for i := 0; i < batchSize; i++ {
		select {
		case record := <-bq.recordBuf:
			records = append(records, record)
			queueDepth.WithLabelValues(bq.tablePrefix).Dec()
		default:
			break loop
		}
	}

	if len(records) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		batchSubmissionDuration.WithLabelValues(bq.tablePrefix).Observe(float64(elapsed.Milliseconds()))
		batchSizeHist.WithLabelValues(bq.tablePrefix).Observe(float64(len(records)))
	}()

	if err := bq.inserter.Put(ctx, records); err != nil {
		return fmt.Errorf("failed to insert records: %w", err)
	}

	return nil
}

func (bq *BQ) CreateTableIfNotExists(ctx context.Context) error {
	today := time.Now().Format("20060102")

	if bq.tableDate == today && bq.inserter != nil {
		return nil
	}

	table := bq.dataset.Table(fmt.Sprintf("%s_%s", bq.tablePrefix, today))
	_, err := table.Metadata(ctx)
	if err != nil {
		bq.logger.Info("table does not exist, creating", "table", table.FullyQualifiedName())
		if err := table.Create(ctx, &bigquery.TableMetadata{Schema: bq.recordSchema}); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	bq.tableDate = today
	bq.inserter = table.Inserter()

	return nil
}

func (bq *BQ) Close() error {
	select {
	case <-bq.flushDone:
	case <-time.After(10 * time.Second):
		bq.logger.Warn("timed out waiting for final flush")
	}
	return bq.client.Close()
}
