package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/junlov/quotey/internal/config"
	"github.com/junlov/quotey/internal/models"
	"github.com/junlov/quotey/internal/worker"
)

func TestArchiveHandlerWritesLocalDocument(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	h, err := worker.NewArchiveHandler(ctx, config.Config{ArchiveOutputDir: dir})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	payload, _ := json.Marshal(map[string]string{
		"document_key": "quote-7/final.json",
		"content_type": "application/json",
		"content":      `{"total":1290}`,
	})
	task := models.Task{ID: "t-1", EntityID: "quote-7", OperationKind: "archive_document", Payload: payload}

	location, err := h.Handle(ctx, task)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	want := filepath.Join(dir, "quote-7", "final.json")
	if location != want {
		t.Fatalf("location = %q, want %q", location, want)
	}

	body, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read archived file: %v", err)
	}
	if string(body) != `{"total":1290}` {
		t.Fatalf("unexpected content: %s", body)
	}
}

func TestArchiveHandlerDefaultsDocumentKey(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	h, err := worker.NewArchiveHandler(ctx, config.Config{ArchiveOutputDir: dir})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	payload, _ := json.Marshal(map[string]string{"content": "doc"})
	task := models.Task{ID: "t-9", EntityID: "quote-3", OperationKind: "archive_document", Payload: payload}

	location, err := h.Handle(ctx, task)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if location != filepath.Join(dir, "quote-3", "t-9.json") {
		t.Fatalf("unexpected location: %q", location)
	}
}

func TestArchiveHandlerRejectsBadPayloadTerminally(t *testing.T) {
	ctx := context.Background()

	h, err := worker.NewArchiveHandler(ctx, config.Config{ArchiveOutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	task := models.Task{ID: "t-1", EntityID: "quote-7", Payload: json.RawMessage(`{"document_key":"x"}`)}
	_, err = h.Handle(ctx, task)
	var terminal *worker.TerminalError
	if !errors.As(err, &terminal) {
		t.Fatalf("expected TerminalError for missing content, got %v", err)
	}

	task.Payload = json.RawMessage(`not-json`)
	_, err = h.Handle(ctx, task)
	if !errors.As(err, &terminal) {
		t.Fatalf("expected TerminalError for malformed payload, got %v", err)
	}
}
