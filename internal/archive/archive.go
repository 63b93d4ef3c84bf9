// Package archive exports the execution and balance streams to S3 as
// parquet files for offline analysis. Rows arrive over the messenger so
// the exporter never touches the hot write path.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "ledgerflow/config"
	"ledgerflow/internal/messenger"
	"ledgerflow/internal/model"
	"ledgerflow/logger"
)

// ExecutionRecord is one exported fill.
type ExecutionRecord struct {
	ClientID    int64   `parquet:"name=client_id, type=INT64"`
	Symbol      string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side        string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type        string  `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Qty         float64 `parquet:"name=qty, type=DOUBLE"`
	Price       float64 `parquet:"name=price, type=DOUBLE"`
	Commission  float64 `parquet:"name=commission, type=DOUBLE"`
	RealizedPnl float64 `parquet:"name=realized_pnl, type=DOUBLE"`
	Timestamp   int64   `parquet:"name=timestamp, type=INT64"`
}

// BalanceRecord is one exported equity snapshot.
type BalanceRecord struct {
	ClientID        int64   `parquet:"name=client_id, type=INT64"`
	Realized        float64 `parquet:"name=realized, type=DOUBLE"`
	Unrealized      float64 `parquet:"name=unrealized, type=DOUBLE"`
	TotalTransfered float64 `parquet:"name=total_transfered, type=DOUBLE"`
	Timestamp       int64   `parquet:"name=timestamp, type=INT64"`
}

// memoryFile implements source.ParquetFile over a byte buffer so files
// are assembled in memory before upload.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile { return &memoryFile{buffer: &bytes.Buffer{}} }

func (m *memoryFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memoryFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memoryFile) Read(b []byte) (int, error)                { return m.buffer.Read(b) }
func (m *memoryFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memoryFile) Close() error                              { return nil }
func (m *memoryFile) Bytes() []byte                             { return m.buffer.Bytes() }

type Exporter struct {
	cfg    appconfig.S3Config
	broker *messenger.Broker
	s3     *s3.Client
	log    *logger.Entry

	mu       sync.Mutex
	running  bool
	execBuf  []ExecutionRecord
	balBuf   []BalanceRecord
	cancels  []func()
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewExporter(cfg appconfig.S3Config, broker *messenger.Broker) (*Exporter, error) {
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	return &Exporter{
		cfg:    cfg,
		broker: broker,
		s3:     s3.NewFromConfig(awsCfg),
		log:    logger.GetLogger().WithComponent("archive"),
	}, nil
}

func (e *Exporter) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("archive exporter already running")
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	execCh, cancelExec := e.broker.Subscribe("client:*:execution:new", 1024)
	balCh, cancelBal := e.broker.Subscribe("client:*:balance:new", 1024)
	e.cancels = append(e.cancels, cancelExec, cancelBal)

	e.wg.Add(2)
	go e.collect(execCh, balCh)
	go e.flushLoop()

	e.log.WithFields(logger.Fields{
		"bucket": e.cfg.Bucket,
		"prefix": e.cfg.Prefix,
	}).Info("archive exporter started")
	return nil
}

func (e *Exporter) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	for _, cancel := range e.cancels {
		cancel()
	}
	e.cancel()
	e.wg.Wait()
	e.flush(context.Background())
	e.log.Info("archive exporter stopped")
}

func (e *Exporter) collect(execCh, balCh <-chan messenger.Event) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-execCh:
			if !ok {
				return
			}
			var exec model.Execution
			if err := ev.Decode(&exec); err != nil {
				continue
			}
			rec := ExecutionRecord{
				ClientID:   exec.ClientID,
				Symbol:     exec.Symbol,
				Side:       string(exec.Side),
				Type:       string(exec.Type),
				Qty:        exec.Qty.InexactFloat64(),
				Price:      exec.Price.InexactFloat64(),
				Commission: exec.Commission.InexactFloat64(),
				Timestamp:  exec.Time.UnixMilli(),
			}
			if exec.RealizedPnl.Valid {
				rec.RealizedPnl = exec.RealizedPnl.Decimal.InexactFloat64()
			}
			e.mu.Lock()
			e.execBuf = append(e.execBuf, rec)
			e.mu.Unlock()
		case ev, ok := <-balCh:
			if !ok {
				return
			}
			var bal model.Balance
			if err := ev.Decode(&bal); err != nil {
				continue
			}
			e.mu.Lock()
			e.balBuf = append(e.balBuf, BalanceRecord{
				ClientID:        bal.ClientID,
				Realized:        bal.Realized.InexactFloat64(),
				Unrealized:      bal.Unrealized.InexactFloat64(),
				TotalTransfered: bal.TotalTransfered.InexactFloat64(),
				Timestamp:       bal.Time.UnixMilli(),
			})
			e.mu.Unlock()
		}
	}
}

func (e *Exporter) flushLoop() {
	defer e.wg.Done()
	interval := e.cfg.FlushInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.flush(e.ctx)
		}
	}
}

func (e *Exporter) flush(ctx context.Context) {
	e.mu.Lock()
	execs := e.execBuf
	bals := e.balBuf
	e.execBuf = nil
	e.balBuf = nil
	e.mu.Unlock()

	if len(execs) > 0 {
		if err := e.upload(ctx, "executions", new(ExecutionRecord), toRows(execs)); err != nil {
			e.log.WithError(err).Error("failed to export executions")
		}
	}
	if len(bals) > 0 {
		if err := e.upload(ctx, "balances", new(BalanceRecord), toRows(bals)); err != nil {
			e.log.WithError(err).Error("failed to export balances")
		}
	}
}

func toRows[T any](rows []T) []interface{} {
	out := make([]interface{}, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}

func (e *Exporter) upload(ctx context.Context, dataset string, schema interface{}, rows []interface{}) error {
	mf := newMemoryFile()
	pw, err := writer.NewParquetWriter(mf, schema, 2)
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("failed to finalize parquet file: %w", err)
	}

	now := time.Now().UTC()
	key := filepath.ToSlash(filepath.Join(
		e.cfg.Prefix,
		fmt.Sprintf("dataset=%s", dataset),
		fmt.Sprintf("date=%s", now.Format("2006-01-02")),
		fmt.Sprintf("%s_%s_%s.parquet", dataset, now.Format("20060102150405"), uuid.NewString()[:8]),
	))

	data := mf.Bytes()
	_, err = e.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(e.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	e.log.WithFields(logger.Fields{
		"key":  key,
		"rows": len(rows),
		"size": len(data),
	}).Info("dataset flushed to s3")
	return nil
}
