package openaistt

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNew_MissingAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("sk-test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("expected model %q, got %q", defaultModel, p.model)
	}
}

func TestNew_Options(t *testing.T) {
	p, err := New("sk-test", WithModel("whisper-1"), WithLanguage("de"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "whisper-1" {
		t.Errorf("expected model whisper-1, got %q", p.model)
	}
	if p.language != "de" {
		t.Errorf("expected language de, got %q", p.language)
	}
}

func TestTranscribe_EmptyPCM(t *testing.T) {
	p, err := New("sk-test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Transcribe(context.Background(), nil); err == nil {
		t.Error("expected error for empty pcm")
	}
}

// fakeTranscriptionServer checks the multipart upload and responds with the
// given transcript text.
func fakeTranscriptionServer(t *testing.T, text string, check func(t *testing.T, r *http.Request, wav []byte)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing file part: %v", err)
			http.Error(w, "missing file", http.StatusBadRequest)
			return
		}
		defer file.Close()
		wav, _ := io.ReadAll(file)
		if check != nil {
			check(t, r, wav)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"text":"`+text+`"}`)
	}))
}

func TestTranscribe(t *testing.T) {
	pcm := make([]byte, 4800) // 100 ms at 24 kHz
	srv := fakeTranscriptionServer(t, "hello from the agent", func(t *testing.T, r *http.Request, wav []byte) {
		if r.FormValue("model") != "whisper-1" {
			t.Errorf("expected model whisper-1, got %q", r.FormValue("model"))
		}
		// WAV = 44-byte header + raw PCM.
		if len(wav) != 44+len(pcm) {
			t.Errorf("expected %d wav bytes, got %d", 44+len(pcm), len(wav))
		}
		if string(wav[:4]) != "RIFF" {
			t.Errorf("expected RIFF header, got %q", wav[:4])
		}
	})
	defer srv.Close()

	p, err := New("sk-test", WithBaseURL(srv.URL), WithModel("whisper-1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tr, err := p.Transcribe(context.Background(), pcm)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "hello from the agent" {
		t.Errorf("expected transcript text, got %q", tr.Text)
	}
	if tr.Duration.Milliseconds() != 100 {
		t.Errorf("expected 100 ms duration, got %v", tr.Duration)
	}
}

func TestTranscribe_ForwardsLanguage(t *testing.T) {
	srv := fakeTranscriptionServer(t, "hallo", func(t *testing.T, r *http.Request, wav []byte) {
		if r.FormValue("language") != "de" {
			t.Errorf("expected language de, got %q", r.FormValue("language"))
		}
	})
	defer srv.Close()

	p, err := New("sk-test", WithBaseURL(srv.URL), WithLanguage("de"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Transcribe(context.Background(), make([]byte, 320)); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
}

func TestTranscribe_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	p, err := New("sk-bad", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Transcribe(context.Background(), make([]byte, 320)); err == nil {
		t.Error("expected error from upstream 401")
	}
}
