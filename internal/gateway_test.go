package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestHashKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "prefix only", raw: APIKeyPrefix},
		{name: "typical key", raw: "gptk_abc123xyz"},
		{name: "long key", raw: "gptk_" + "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := HashKey(tt.raw)
			h := sha256.Sum256([]byte(tt.raw))
			want := hex.EncodeToString(h[:])
			if got != want {
				t.Errorf("HashKey(%q) = %q, want %q", tt.raw, got, want)
			}
			if len(got) != 64 {
				t.Errorf("HashKey len = %d, want 64", len(got))
			}
		})
	}

	t.Run("deterministic", func(t *testing.T) {
		t.Parallel()
		if HashKey("key") != HashKey("key") {
			t.Error("HashKey is not deterministic")
		}
	})

	t.Run("distinct inputs produce distinct hashes", func(t *testing.T) {
		t.Parallel()
		if HashKey("key1") == HashKey("key2") {
			t.Error("distinct inputs produced same hash")
		}
	})
}

func TestAccount_UpstreamAccountID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		account Account
		want    string
	}{
		{name: "chatgpt id wins", account: Account{ChatGPTAccountID: "acc-1", WorkspaceID: "ws-1"}, want: "acc-1"},
		{name: "workspace fallback", account: Account{WorkspaceID: "ws-1"}, want: "ws-1"},
		{name: "both empty", account: Account{}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.account.UpstreamAccountID(); got != tt.want {
				t.Errorf("UpstreamAccountID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestContextWithRequestID_RequestIDFromContext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		id   string
	}{
		{name: "non-empty", id: "req-abc-123"},
		{name: "empty string", id: ""},
		{name: "uuid-like", id: "018f1b2c-3d4e-7a5b-8c9d-0e1f2a3b4c5d"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := ContextWithRequestID(context.Background(), tt.id)
			got := RequestIDFromContext(ctx)
			if got != tt.id {
				t.Errorf("RequestIDFromContext = %q, want %q", got, tt.id)
			}
		})
	}

	t.Run("missing from context", func(t *testing.T) {
		t.Parallel()
		got := RequestIDFromContext(context.Background())
		if got != "" {
			t.Errorf("RequestIDFromContext on bare ctx = %q, want empty", got)
		}
	})
}

func TestContextWithKey_KeyFromContext(t *testing.T) {
	t.Parallel()

	t.Run("set on bare context", func(t *testing.T) {
		t.Parallel()
		k := &APIKey{ID: "key-1", Status: KeyStatusActive}
		ctx := ContextWithKey(context.Background(), k)
		got := KeyFromContext(ctx)
		if got != k {
			t.Errorf("KeyFromContext = %v, want %v", got, k)
		}
	})

	t.Run("mutates existing meta", func(t *testing.T) {
		t.Parallel()
		// Simulate middleware: requestID set first, key added later.
		ctx := ContextWithRequestID(context.Background(), "req-xyz")
		k := &APIKey{ID: "key-2"}
		ctx2 := ContextWithKey(ctx, k)
		// Same context pointer (no new WithValue).
		if ctx2 != ctx {
			t.Error("ContextWithKey should return same ctx when meta already present")
		}
		if got := KeyFromContext(ctx2); got != k {
			t.Errorf("KeyFromContext = %v, want %v", got, k)
		}
		// Request ID must still be intact.
		if got := RequestIDFromContext(ctx2); got != "req-xyz" {
			t.Errorf("RequestIDFromContext after ContextWithKey = %q, want req-xyz", got)
		}
	})

	t.Run("nil key", func(t *testing.T) {
		t.Parallel()
		ctx := ContextWithKey(context.Background(), nil)
		if got := KeyFromContext(ctx); got != nil {
			t.Errorf("expected nil key, got %v", got)
		}
	})

	t.Run("missing from context", func(t *testing.T) {
		t.Parallel()
		if got := KeyFromContext(context.Background()); got != nil {
			t.Errorf("KeyFromContext on bare ctx = %v, want nil", got)
		}
	})
}

func TestMetaFromContext(t *testing.T) {
	t.Parallel()

	t.Run("nil on bare context", func(t *testing.T) {
		t.Parallel()
		if m := metaFromContext(context.Background()); m != nil {
			t.Errorf("expected nil, got %v", m)
		}
	})

	t.Run("returns stored meta", func(t *testing.T) {
		t.Parallel()
		ctx := ContextWithRequestID(context.Background(), "r1")
		m := metaFromContext(ctx)
		if m == nil {
			t.Fatal("expected non-nil meta")
		}
		if m.RequestID != "r1" {
			t.Errorf("RequestID = %q, want r1", m.RequestID)
		}
	})

	t.Run("mutation visible through same ctx", func(t *testing.T) {
		t.Parallel()
		ctx := ContextWithRequestID(context.Background(), "r2")
		m := metaFromContext(ctx)
		k := &APIKey{ID: "mutated"}
		m.Key = k
		if got := KeyFromContext(ctx); got != k {
			t.Errorf("mutated key not visible: got %v", got)
		}
	})
}
