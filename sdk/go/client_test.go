package tubekeepersdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCheckSendsBearerAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/check/4" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		w.Write([]byte(`{"ok":true,"checkId":"chk-9"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	id, err := c.Check(context.Background(), 4)
	if err != nil || id != "chk-9" {
		t.Fatalf("got %q, %v", id, err)
	}
}

func TestAPIErrorCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":"quota_exceeded","message":"max concurrent checks reached"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).CheckEtag(context.Background(), 1)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests || apiErr.Code != "quota_exceeded" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestJournalQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("limit = %q", got)
		}
		if got := r.URL.Query().Get("type"); got != "check-completed" {
			t.Errorf("type = %q", got)
		}
		w.Write([]byte(`{"items":[{"id":3,"type":"check-completed","payload":{}}],"nextCursor":"3"}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL).Journal(context.Background(), 5, "", "check-completed")
	if err != nil || len(page.Items) != 1 || page.NextCursor != "3" {
		t.Fatalf("got %+v, %v", page, err)
	}
}
