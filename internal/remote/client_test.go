package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/papertrailhq/papertrail/internal/entity"
)

func signedToken(t *testing.T, expiresIn time.Duration) string {
	t.Helper()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(expiresIn).Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return s
}

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()

	c, err := New(Config{
		BaseURL:  srv.URL,
		DeviceID: "device-1",
	}, NewTokenSource(signedToken(t, time.Hour), nil))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return c
}

func TestPushSuccess(t *testing.T) {
	var gotAuth, gotDevice string
	var gotMutation Mutation

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/sync/push" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotDevice = r.Header.Get("X-Papertrail-Device")
		if err := json.NewDecoder(r.Body).Decode(&gotMutation); err != nil {
			t.Errorf("failed to decode mutation: %v", err)
		}
		json.NewEncoder(w).Encode(PushAck{Accepted: true, ServerUpdatedAt: 4242})
	}))
	defer srv.Close()

	c := testClient(t, srv)
	ack, err := c.Push(context.Background(), Mutation{
		Kind:            entity.KindReceipt,
		ID:              "r1",
		Op:              "create",
		Payload:         json.RawMessage(`{"amount":5}`),
		ClientUpdatedAt: 1000,
	})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if ack.ServerUpdatedAt != 4242 {
		t.Errorf("server timestamp = %d, want 4242", ack.ServerUpdatedAt)
	}
	if gotAuth == "" || gotAuth == "Bearer " {
		t.Error("missing bearer token")
	}
	if gotDevice != "device-1" {
		t.Errorf("device header = %q", gotDevice)
	}
	if gotMutation.Kind != entity.KindReceipt || gotMutation.Op != "create" {
		t.Errorf("mutation mangled on the wire: %+v", gotMutation)
	}
}

func TestPushErrorClassification(t *testing.T) {
	cases := []struct {
		name          string
		status        int
		body          string
		wantRetryable bool
		wantAuth      bool
	}{
		{"server error", http.StatusInternalServerError, "", true, false},
		{"unavailable", http.StatusServiceUnavailable, "", true, false},
		{"validation", http.StatusUnprocessableEntity, "", false, false},
		{"unauthorized", http.StatusUnauthorized, "", true, true},
		{"forbidden", http.StatusForbidden, "", true, true},
		{"structured retryable", http.StatusConflict, `{"retryable":true,"message":"version skew"}`, true, false},
		{"structured terminal", http.StatusBadRequest, `{"retryable":false,"message":"bad payload"}`, false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := testClient(t, srv).Push(context.Background(), Mutation{Op: "create"})
			if err == nil {
				t.Fatal("expected an error")
			}

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *APIError, got %T", err)
			}
			if IsRetryable(err) != tc.wantRetryable {
				t.Errorf("IsRetryable = %v, want %v", IsRetryable(err), tc.wantRetryable)
			}
			if IsAuth(err) != tc.wantAuth {
				t.Errorf("IsAuth = %v, want %v", IsAuth(err), tc.wantAuth)
			}
		})
	}
}

func TestPushTransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	_, err := testClient(t, srv).Push(context.Background(), Mutation{Op: "create"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !IsRetryable(err) {
		t.Errorf("transport error should be retryable: %v", err)
	}
}

func TestPullSendsWatermark(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sync/pull" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("since"); got != "777" {
			t.Errorf("since = %q, want 777", got)
		}
		json.NewEncoder(w).Encode(Snapshot{
			ByKind: map[entity.Kind][]RemoteRecord{
				entity.KindBill: {{ID: "b1", UpdatedAt: 900}},
			},
			NewWatermark: 901,
		})
	}))
	defer srv.Close()

	snap, err := testClient(t, srv).Pull(context.Background(), 777)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if snap.NewWatermark != 901 {
		t.Errorf("watermark = %d, want 901", snap.NewWatermark)
	}
	if len(snap.ByKind[entity.KindBill]) != 1 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestPullEmptyBodyGetsNonNilMap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"new_watermark":5}`))
	}))
	defer srv.Close()

	snap, err := testClient(t, srv).Pull(context.Background(), 0)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if snap.ByKind == nil {
		t.Error("ByKind must never be nil")
	}
}

func TestTokenSourceExpired(t *testing.T) {
	ts := NewTokenSource(signedToken(t, -time.Hour), nil)

	_, err := ts.Token(context.Background())
	if !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestTokenSourceRefreshesExpired(t *testing.T) {
	fresh := signedToken(t, time.Hour)
	refreshed := 0

	ts := NewTokenSource(signedToken(t, -time.Hour), func(ctx context.Context) (string, error) {
		refreshed++
		return fresh, nil
	})

	got, err := ts.Token(context.Background())
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if got != fresh {
		t.Error("refresh hook result not used")
	}

	// The refreshed token is cached.
	if _, err := ts.Token(context.Background()); err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if refreshed != 1 {
		t.Errorf("refresh invoked %d times, want 1", refreshed)
	}
}

func TestTokenSourceOpaqueTokenPassesThrough(t *testing.T) {
	ts := NewTokenSource("not-a-jwt", nil)

	got, err := ts.Token(context.Background())
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if got != "not-a-jwt" {
		t.Errorf("token = %q", got)
	}
}
