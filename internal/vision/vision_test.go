package vision

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tsukishiro/yukibot/pkg/provider/llm"
	llmmock "github.com/tsukishiro/yukibot/pkg/provider/llm/mock"
)

// tinyPNG is a 1x1 transparent PNG.
var tinyPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func imageServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(tinyPNG)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDescribe_SendsDataURIAndPrompt(t *testing.T) {
	srv := imageServer(t)
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "一只趴在书上的猫。"},
	}

	v := New(Config{Enabled: true, Temperature: 0.3, MaxTokens: 100}, provider)
	got := v.Describe(context.Background(), srv.URL+"/img.png", "u1")
	if got != "一只趴在书上的猫。" {
		t.Fatalf("caption = %q", got)
	}

	calls := provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("model calls = %d, want 1", len(calls))
	}
	req := calls[0].Req
	if req.Temperature != 0.3 || req.MaxTokens != 100 {
		t.Errorf("params = %g/%d", req.Temperature, req.MaxTokens)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != defaultPrompt {
		t.Errorf("prompt not defaulted: %+v", req.Messages)
	}
	if len(req.Messages[0].Images) != 1 ||
		!strings.HasPrefix(req.Messages[0].Images[0], "data:image/png;base64,") {
		t.Errorf("image not sent as png data URI")
	}
}

func TestDescribe_DisabledReturnsEmpty(t *testing.T) {
	provider := &llmmock.Provider{}
	v := New(Config{Enabled: false}, provider)
	if got := v.Describe(context.Background(), "http://127.0.0.1:1/x", "u1"); got != "" {
		t.Fatalf("caption = %q, want empty", got)
	}
	if len(provider.Calls()) != 0 {
		t.Error("disabled captioner still called the model")
	}
}

func TestDescribe_DownloadFailureDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "should not be used"},
	}
	v := New(Config{Enabled: true}, provider)
	if got := v.Describe(context.Background(), srv.URL, "u1"); got != "" {
		t.Fatalf("caption = %q, want empty", got)
	}
	if len(provider.Calls()) != 0 {
		t.Error("model called despite download failure")
	}
}

func TestDescribe_ModelFailureDegrades(t *testing.T) {
	srv := imageServer(t)
	provider := &llmmock.Provider{CompleteErr: context.DeadlineExceeded}
	v := New(Config{Enabled: true}, provider)
	if got := v.Describe(context.Background(), srv.URL, "u1"); got != "" {
		t.Fatalf("caption = %q, want empty", got)
	}
}

func TestCleanCaption(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"strips image prefix", "这张图片显示：一只猫在睡觉。", 80, "一只猫在睡觉。"},
		{"strips scene prefix", "画面中，下着雨的街道。", 80, "下着雨的街道。"},
		{"keeps plain text", "一杯冒着热气的咖啡。", 80, "一杯冒着热气的咖啡。"},
		{"empty", "   ", 80, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CleanCaption(tc.in, tc.max); got != tc.want {
				t.Errorf("CleanCaption(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCleanCaption_TruncatesAtSentence(t *testing.T) {
	// 30 runes before the separator, then plenty more after it.
	head := strings.Repeat("雪", 30) + "。"
	in := head + strings.Repeat("后", 80)
	got := CleanCaption(in, 40)
	if got != head {
		t.Fatalf("got %q, want cut at sentence end %q", got, head)
	}
}

func TestCleanCaption_HardTruncate(t *testing.T) {
	in := strings.Repeat("长", 100)
	got := CleanCaption(in, 30)
	rs := []rune(got)
	if len(rs) != 30 || rs[len(rs)-1] != '…' {
		t.Fatalf("got %d runes ending %q", len(rs), string(rs[len(rs)-1]))
	}
}

func TestMimeFor(t *testing.T) {
	tests := []struct{ ct, want string }{
		{"image/png", "image/png"},
		{"image/gif", "image/gif"},
		{"image/webp", "image/webp"},
		{"image/jpeg", "image/jpeg"},
		{"application/octet-stream", "image/jpeg"},
		{"", "image/jpeg"},
	}
	for _, tc := range tests {
		if got := mimeFor(tc.ct); got != tc.want {
			t.Errorf("mimeFor(%q) = %q, want %q", tc.ct, got, tc.want)
		}
	}
}
