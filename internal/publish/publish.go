// Package publish streams finished shards to an Arrow Flight endpoint so a
// model server can pick them up without reading the output directory.
package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/quarrel-shard/internal/arrowstore"
	"github.com/23skdu/quarrel-shard/internal/logger"
	"github.com/23skdu/quarrel-shard/internal/metrics"
	"github.com/23skdu/quarrel-shard/internal/shard"
	"github.com/23skdu/quarrel-shard/internal/tensor"
)

const DefaultTimeout = 5 * time.Minute

// Publisher delivers one shard's tensors under a [model, filename] path.
type Publisher interface {
	Publish(ctx context.Context, model, filename string, tensors []tensor.Named, meta map[string]string) error
	Close() error
}

// FlightPublisher sends every shard as a DoPut stream carrying a single
// arrowstore record.
type FlightPublisher struct {
	client  flight.Client
	addr    string
	timeout time.Duration
}

func NewFlightPublisher(addr string) (*FlightPublisher, error) {
	if addr == "" {
		return nil, fmt.Errorf("flight address is empty")
	}
	client, err := flight.NewClientWithMiddleware(addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}
	return &FlightPublisher{client: client, addr: addr, timeout: DefaultTimeout}, nil
}

func (p *FlightPublisher) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

func (p *FlightPublisher) Publish(ctx context.Context, model, filename string, tensors []tensor.Named, meta map[string]string) error {
	if p.client == nil {
		return fmt.Errorf("client not connected")
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	stream, err := p.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	mem := memory.NewGoAllocator()
	schema := arrowstore.Schema(meta)
	rec := arrowstore.BuildRecord(mem, schema, tensors)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{model, filename},
	})
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}

	for {
		_, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("DoPut %s/%s: %w", model, filename, err)
		}
	}
}

// PublishManifest decodes every shard listed in the manifest under dir and
// hands it to p in loading order.
func PublishManifest(ctx context.Context, p Publisher, dir string, log *logger.Logger) error {
	if log == nil {
		log = logger.Nop()
	}
	m, err := shard.ReadManifest(filepath.Join(dir, shard.ManifestFilename))
	if err != nil {
		return err
	}
	format, err := shard.LookupFormat(m.Format)
	if err != nil {
		return err
	}

	for _, a := range m.Shards {
		if err := ctx.Err(); err != nil {
			return err
		}
		//nolint:gosec // G304: path comes from the manifest
		data, err := os.ReadFile(filepath.Join(dir, a.Filename))
		if err != nil {
			return err
		}
		tensors, err := format.Decode(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("decode %s: %w", a.Filename, err)
		}

		meta := map[string]string{
			"model_name":  m.ModelName,
			"run_id":      m.RunID,
			"shard.id":    strconv.Itoa(a.ShardID),
			"shard.count": strconv.Itoa(m.TotalShards),
			"checksum":    a.Checksum,
		}
		if err := p.Publish(ctx, m.ModelName, a.Filename, tensors, meta); err != nil {
			return fmt.Errorf("publish %s: %w", a.Filename, err)
		}
		metrics.RecordPublish()
		log.Debug("Shard published", "shard_id", a.ShardID, "file", a.Filename, "tensors", len(tensors))
	}

	log.Info("Published shards", "model", m.ModelName, "shards", len(m.Shards))
	return nil
}
