package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type streamStat struct {
	messages int64
	bytes    int64
}

var (
	errorsWorker   int64
	errorsRecon    int64
	warnsWorker    int64
	warnsRecon     int64
	executionsSeen int64
	balancesWrites int64
	eventsOut      int64
	wsReconnects   int64
	streams        sync.Map // map[string]*streamStat
)

func recordWarn(component string) {
	if strings.Contains(component, "worker") || strings.Contains(component, "ticker") {
		atomic.AddInt64(&warnsWorker, 1)
	} else if strings.Contains(component, "recon") || strings.Contains(component, "balance") {
		atomic.AddInt64(&warnsRecon, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "worker") || strings.Contains(component, "ticker") {
		atomic.AddInt64(&errorsWorker, 1)
	} else if strings.Contains(component, "recon") || strings.Contains(component, "balance") {
		atomic.AddInt64(&errorsRecon, 1)
	}
}

// IncrementExecutionSeen counts one ingested fill, live or historical.
func IncrementExecutionSeen(size int) {
	atomic.AddInt64(&executionsSeen, 1)
	recordStream("executions", size)
}

// IncrementBalanceWrite counts one persisted balance snapshot.
func IncrementBalanceWrite() {
	atomic.AddInt64(&balancesWrites, 1)
}

// IncrementEventPublished counts one event handed to the messenger.
func IncrementEventPublished(size int) {
	atomic.AddInt64(&eventsOut, 1)
	recordStream("events", size)
}

// IncrementWsReconnect counts one websocket reconnection.
func IncrementWsReconnect(stream string) {
	atomic.AddInt64(&wsReconnects, 1)
	recordStream(stream, 0)
}

func recordStream(name string, size int) {
	v, _ := streams.LoadOrStore(name, &streamStat{})
	cs := v.(*streamStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of runtime and stream statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	streamData := map[string]map[string]int64{}
	streams.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*streamStat)
		streamData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	fields := Fields{
		"errors_worker":   atomic.LoadInt64(&errorsWorker),
		"errors_recon":    atomic.LoadInt64(&errorsRecon),
		"warns_worker":    atomic.LoadInt64(&warnsWorker),
		"warns_recon":     atomic.LoadInt64(&warnsRecon),
		"executions_seen": atomic.LoadInt64(&executionsSeen),
		"balance_writes":  atomic.LoadInt64(&balancesWrites),
		"events_out":      atomic.LoadInt64(&eventsOut),
		"ws_reconnects":   atomic.LoadInt64(&wsReconnects),
		"goroutines":      runtime.NumGoroutine(),
		"heap_mb":         int64(mem.HeapAlloc) / 1024 / 1024,
		"streams":         streamData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
		{MetricName: aws.String("HeapMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(mem.HeapAlloc) / 1024 / 1024)},
		{MetricName: aws.String("ErrorsWorker"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsWorker)))},
		{MetricName: aws.String("ErrorsRecon"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsRecon)))},
		{MetricName: aws.String("WarnsWorker"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&warnsWorker)))},
		{MetricName: aws.String("WarnsRecon"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&warnsRecon)))},
		{MetricName: aws.String("ExecutionsSeen"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&executionsSeen)))},
		{MetricName: aws.String("BalanceWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&balancesWrites)))},
		{MetricName: aws.String("EventsPublished"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&eventsOut)))},
		{MetricName: aws.String("WsReconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&wsReconnects)))},
	}

	for name, stats := range streamData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("StreamMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("StreamBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
