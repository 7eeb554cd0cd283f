package events

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/paynet/bulk-transfers/store"
)

func TestHubBroadcastsBulkUpdates(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Registration races the publish; give the hub a beat.
	time.Sleep(50 * time.Millisecond)

	bulk := &store.BulkRequest{
		RequestUUID:          uuid.New(),
		Status:               store.StatusCompleted,
		TotalAmountCents:     21449,
		ProcessedAmountCents: 21449,
	}
	hub.BulkUpdated(bulk)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var evt BulkEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.BulkID != bulk.RequestUUID.String() {
		t.Errorf("bulk_id = %s, want %s", evt.BulkID, bulk.RequestUUID)
	}
	if evt.Status != string(store.StatusCompleted) {
		t.Errorf("status = %s, want COMPLETED", evt.Status)
	}
	if evt.ProcessedCents != 21449 || evt.TotalCents != 21449 {
		t.Errorf("amounts = %d/%d", evt.ProcessedCents, evt.TotalCents)
	}
}
