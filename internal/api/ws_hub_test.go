package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tunevest/ledger-engine/internal/api"
	"github.com/tunevest/ledger-engine/internal/events"
	"github.com/tunevest/ledger-engine/internal/model"
)

func TestWSHub_RelaysEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := api.NewWSHub(nil)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Registration is asynchronous; keep publishing until the client sees one.
	ev := events.InvestmentExecuted{TrackID: "t1", Side: model.TxBuy, Amount: d("5"), Price: d("10"), NewAvailableSupply: d("95"), At: time.Now()}
	got := make(chan api.WSMessage, 1)
	go func() {
		var msg api.WSMessage
		if _, data, err := conn.ReadMessage(); err == nil && json.Unmarshal(data, &msg) == nil {
			got <- msg
		}
	}()

	deadline := time.After(2 * time.Second)
	for {
		_ = hub.Handle(ctx, ev)
		select {
		case msg := <-got:
			if msg.Type != events.TypeInvestmentExecuted || msg.TrackID != "t1" || msg.AvailableSupply != "95" {
				t.Fatalf("unexpected message %+v", msg)
			}
			return
		case <-deadline:
			t.Fatal("no message received")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
