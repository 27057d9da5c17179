// Package dialog keeps a record of finished turns: a local text log and,
// optionally, an archive in Supabase storage.
package dialog

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/supabase-community/supabase-go"
)

// Source says who started a turn.
type Source string

const (
	SourceUser       Source = "user"
	SourceBarrage    Source = "barrage"
	SourceAutonomous Source = "autonomous"
)

// Entry is one completed turn.
type Entry struct {
	Time    time.Time `json:"time"`
	Source  Source    `json:"source"`
	Speaker string    `json:"speaker,omitempty"`
	Prompt  string    `json:"prompt"`
	Reply   string    `json:"reply"`
}

type Log interface {
	Record(ctx context.Context, e Entry) error
}

// FileLog appends each turn as two labelled lines.
type FileLog struct {
	Path      string
	Assistant string

	mu sync.Mutex
}

func NewFileLog(path, assistant string) *FileLog {
	return &FileLog{Path: path, Assistant: assistant}
}

func (l *FileLog) Record(_ context.Context, e Entry) error {
	var who string
	switch e.Source {
	case SourceBarrage:
		who = fmt.Sprintf("【弹幕】[%s]", e.Speaker)
	case SourceAutonomous:
		who = "【自动】"
	default:
		who = "【用户】"
	}
	line := fmt.Sprintf("%s: %s\n【%s】: %s\n", who, e.Prompt, l.Assistant, e.Reply)

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open dialog log")
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return errors.Wrap(err, "write dialog log")
	}
	return nil
}

// Uploader stores one object in a bucket.
type Uploader interface {
	Upload(key, contentType string, data []byte) error
}

// SupabaseStorage uploads objects through the Supabase storage API.
type SupabaseStorage struct {
	client *supabase.Client
	bucket string
}

func NewSupabaseStorage(url, serviceRoleKey, bucket string) (*SupabaseStorage, error) {
	client, err := supabase.NewClient(url, serviceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "create supabase client")
	}
	return &SupabaseStorage{client: client, bucket: bucket}, nil
}

func (s *SupabaseStorage) Upload(key, _ string, data []byte) error {
	if _, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(data)); err != nil {
		return errors.Wrap(err, "upload to supabase")
	}
	return nil
}

// Archive writes every turn as its own JSON object, keyed by date.
type Archive struct {
	store Uploader
}

func NewArchive(store Uploader) *Archive { return &Archive{store: store} }

func (a *Archive) Record(_ context.Context, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s/%s.json", e.Time.Format("2006/01/02"), uuid.NewString())
	return a.store.Upload(key, "application/json", b)
}

// Multi records to every log and joins their errors.
type Multi []Log

func (m Multi) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, l := range m {
		if err := l.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
