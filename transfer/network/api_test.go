package network

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

func Test_APIClient_SendChunk(t *testing.T) {
	var gotFields map[string]string
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			t.Fatalf("parse multipart form: %v", err)
		}

		gotFields = map[string]string{}
		for name := range r.MultipartForm.Value {
			gotFields[name] = r.FormValue(name)
		}

		file, _, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer file.Close()
		gotBody, _ = io.ReadAll(file)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"resumeToken":"rt-42"}`))
	}))
	defer server.Close()

	client := NewAPIClient(server.URL, map[string]string{"Authorization": "Bearer secret"}, nil, log.NewLogger())

	resp, err := client.SendChunk(context.Background(), ChunkRequest{
		FileID:      "file-1",
		FileName:    "data.bin",
		ChunkIndex:  2,
		TotalChunks: 5,
		ChunkSize:   11,
		TotalSize:   1000,
		ResumeToken: "rt-41",
		Body:        strings.NewReader("chunk-bytes"),
	})
	if err != nil {
		t.Fatalf("SendChunk failed: %v", err)
	}

	if resp.ResumeToken != "rt-42" {
		t.Errorf("resume token = %s, want rt-42", resp.ResumeToken)
	}
	if string(gotBody) != "chunk-bytes" {
		t.Errorf("chunk body = %q", gotBody)
	}

	want := map[string]string{
		"fileId":      "file-1",
		"fileName":    "data.bin",
		"chunkIndex":  "2",
		"totalChunks": "5",
		"chunkSize":   "11",
		"totalSize":   "1000",
		"resumeToken": "rt-41",
	}
	for name, value := range want {
		if gotFields[name] != value {
			t.Errorf("field %s = %q, want %q", name, gotFields[name], value)
		}
	}
}

func Test_APIClient_SendChunk_OmitsEmptyResumeToken(t *testing.T) {
	var hasToken bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			t.Fatalf("parse multipart form: %v", err)
		}
		_, hasToken = r.MultipartForm.Value["resumeToken"]
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewAPIClient(server.URL, nil, nil, log.NewLogger())

	resp, err := client.SendChunk(context.Background(), ChunkRequest{
		FileID:      "file-1",
		FileName:    "data.bin",
		TotalChunks: 1,
		Body:        strings.NewReader("x"),
	})
	if err != nil {
		t.Fatalf("SendChunk failed: %v", err)
	}
	if hasToken {
		t.Error("resumeToken field must be omitted on the first chunk")
	}
	if resp.ResumeToken != "" {
		t.Errorf("unexpected resume token %q from empty body", resp.ResumeToken)
	}
}

func Test_APIClient_SendChunk_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("storage unavailable"))
	}))
	defer server.Close()

	client := NewAPIClient(server.URL, nil, nil, log.NewLogger())

	_, err := client.SendChunk(context.Background(), ChunkRequest{
		FileID:      "file-1",
		FileName:    "data.bin",
		TotalChunks: 1,
		Body:        strings.NewReader("x"),
	})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if IsCancellation(err) {
		t.Error("server error must not be classified as cancellation")
	}
	if !strings.Contains(err.Error(), "HTTP 500") {
		t.Errorf("error should carry the status code: %v", err)
	}
}

func Test_APIClient_SendChunk_Cancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
	}))
	defer server.Close()

	client := NewAPIClient(server.URL, nil, nil, log.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := client.SendChunk(ctx, ChunkRequest{
		FileID:      "file-1",
		FileName:    "data.bin",
		TotalChunks: 1,
		Body:        strings.NewReader("x"),
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if !IsCancellation(err) {
		t.Errorf("expected cancellation classification, got: %v", err)
	}
}

func Test_APIClient_Finalize(t *testing.T) {
	var gotPath string
	var gotReq FinalizeRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode merge body: %v", err)
		}
		w.Write([]byte(`{"url":"https://files.example.com/data.bin"}`))
	}))
	defer server.Close()

	client := NewAPIClient(server.URL, nil, nil, log.NewLogger())

	result, err := client.Finalize(context.Background(), FinalizeRequest{
		FileID:      "file-1",
		FileName:    "data.bin",
		TotalChunks: 5,
		TotalSize:   1000,
		ResumeToken: "rt-99",
	})
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	if gotPath != "/merge" {
		t.Errorf("merge path = %s, want /merge", gotPath)
	}
	if gotReq.FileID != "file-1" || gotReq.TotalChunks != 5 || gotReq.ResumeToken != "rt-99" {
		t.Errorf("unexpected merge request: %+v", gotReq)
	}
	if !bytes.Contains(result, []byte("files.example.com")) {
		t.Errorf("merge result not forwarded opaquely: %s", result)
	}
}

func Test_APIClient_Finalize_Failure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 422 is not retried by the retrying client.
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte("chunk 3 missing"))
	}))
	defer server.Close()

	client := NewAPIClient(server.URL, nil, nil, log.NewLogger())

	_, err := client.Finalize(context.Background(), FinalizeRequest{
		FileID:      "file-1",
		FileName:    "data.bin",
		TotalChunks: 5,
	})
	if err == nil {
		t.Fatal("expected error for failed merge")
	}
	if !strings.Contains(err.Error(), "chunk 3 missing") {
		t.Errorf("error should carry the server message: %v", err)
	}
}
