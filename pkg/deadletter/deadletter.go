// Package deadletter keeps events that exhausted their delivery attempts so
// an operator can inspect and replay them.
package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
)

// Letter is one failed delivery.
type Letter struct {
	Queue      string          `json:"queue"`
	RoutingKey string          `json:"routing_key"`
	EventID    string          `json:"event_id,omitempty"`
	EventType  string          `json:"event_type,omitempty"`
	Attempts   int             `json:"attempts"`
	Reason     string          `json:"reason"`
	FailedAt   time.Time       `json:"failed_at"`
	Body       json.RawMessage `json:"body"`
}

// Key is the object name of the letter.
func (l Letter) Key() string {
	id := l.EventID
	if id == "" {
		id = uuid.NewString()
	}
	return path.Join(l.Queue, l.FailedAt.UTC().Format("2006/01/02"), id+".json")
}

type Sink interface {
	Put(ctx context.Context, l Letter) error
}

// MinioSink stores letters as JSON objects in a bucket.
type MinioSink struct {
	client *minio.Client
	bucket string
}

func NewMinioSink(client *minio.Client, bucket string) *MinioSink {
	return &MinioSink{client: client, bucket: bucket}
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *MinioSink) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *MinioSink) Put(ctx context.Context, l Letter) error {
	body, err := json.Marshal(l)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, l.Key(), bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"event-type": l.EventType,
			"queue":      l.Queue,
		},
	})
	if err != nil {
		return fmt.Errorf("put dead letter %s: %w", l.Key(), err)
	}
	return nil
}

// List returns the letters stored for a queue, oldest first.
func (s *MinioSink) List(ctx context.Context, queue string) ([]Letter, error) {
	var out []Letter
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: queue + "/", Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		o, err := s.client.GetObject(ctx, s.bucket, obj.Key, minio.GetObjectOptions{})
		if err != nil {
			return nil, err
		}
		var l Letter
		err = json.NewDecoder(o).Decode(&l)
		o.Close()
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", obj.Key, err)
		}
		out = append(out, l)
	}
	return out, nil
}

// MemorySink keeps letters in process.
type MemorySink struct {
	mu      sync.Mutex
	letters []Letter
	Err     error
}

func (s *MemorySink) Put(_ context.Context, l Letter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.letters = append(s.letters, l)
	return nil
}

func (s *MemorySink) Letters() []Letter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Letter(nil), s.letters...)
}

func (s *MemorySink) List(_ context.Context, queue string) ([]Letter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Letter
	for _, l := range s.letters {
		if l.Queue == queue {
			out = append(out, l)
		}
	}
	return out, nil
}
