package httpapi

import (
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/harborworks/ledgerlink/internal/projectsync"
)

type streamEnvelope struct {
	Type   string                     `json:"type"`
	Event  *projectsync.ProgressEvent `json:"event,omitempty"`
	Result *projectsync.SyncRunResult `json:"result,omitempty"`
	Error  string                     `json:"error,omitempty"`
}

// handleSyncStream runs a sync while streaming progress events over a
// websocket. The socket closing cancels the run via the request context;
// records already upserted stay in place.
func (s *Server) handleSyncStream(w http.ResponseWriter, r *http.Request, userID, tenantID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	ctx := r.Context()
	result, syncErr := s.syncer.SyncCollectionWithProgress(ctx, tenantID, userID, func(event projectsync.ProgressEvent) {
		evt := event
		if writeErr := wsjson.Write(ctx, conn, streamEnvelope{Type: "progress", Event: &evt}); writeErr != nil {
			s.logf("sync stream write failed for tenant %s: %v", tenantID, writeErr)
		}
	})
	if syncErr != nil {
		_ = wsjson.Write(ctx, conn, streamEnvelope{Type: "error", Error: syncErr.Error()})
		conn.Close(websocket.StatusNormalClosure, "sync failed")
		return
	}
	_ = wsjson.Write(ctx, conn, streamEnvelope{Type: "result", Result: &result})
	conn.Close(websocket.StatusNormalClosure, "sync complete")
}
