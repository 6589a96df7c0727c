package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mindmesh-backend/internal/config"
	"mindmesh-backend/internal/domain"
	"mindmesh-backend/internal/notify"
	"mindmesh-backend/internal/replica"
	"mindmesh-backend/pkg/api"
)

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		api.Error(w, http.StatusServiceUnavailable, "starting up")
		return
	}
	api.Success(w, http.StatusOK, map[string]string{"status": "ok"})
}

// relayBroadcast is the cross-process notification entry point: another
// process sharing the database file posts here to reach this process's
// websocket subscribers.
func (s *Server) relayBroadcast(w http.ResponseWriter, r *http.Request) {
	var msg notify.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid broadcast body")
		return
	}
	s.notifier.Deliver(msg)
	w.WriteHeader(http.StatusNoContent)
}

// afterWrite schedules replication of a committed mutation. In confirm mode
// the handler waits for the sync and surfaces its failure; in local-first
// mode the sync runs in the background and the mutation is reported as
// successful immediately.
func (s *Server) afterWrite(ctx context.Context, changed bool) error {
	if s.writeMode == config.WriteModeConfirm {
		err := s.sync.SyncAfterWrite(ctx, changed)
		if errors.Is(err, replica.ErrNotReplica) {
			return nil
		}
		return err
	}
	go func() {
		if err := s.sync.SyncAfterWrite(context.Background(), changed); err != nil &&
			!errors.Is(err, replica.ErrNotReplica) {
			s.logger.Warn("post-write sync failed", zap.Error(err))
		}
	}()
	return nil
}

// Space handlers

func (s *Server) listSpaces(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.handle.Get().ListSpaces(r.Context())
	if err != nil {
		api.FromAppError(w, err)
		return
	}
	if summaries == nil {
		summaries = []domain.SpaceSummary{}
	}
	api.Success(w, http.StatusOK, summaries)
}

func (s *Server) createSpace(w http.ResponseWriter, r *http.Request) {
	var req api.CreateSpaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	space := &domain.Space{
		ID:          domain.NewSpaceID(time.Now()),
		Title:       req.Title,
		Description: req.Description,
	}
	if err := s.handle.Get().UpsertSpace(r.Context(), space); err != nil {
		api.FromAppError(w, err)
		return
	}
	if err := s.afterWrite(r.Context(), true); err != nil {
		api.FromAppError(w, err)
		return
	}
	s.notifier.BroadcastSpaceCreated(r.Context(), space.ID)
	api.Success(w, http.StatusCreated, space)
}

func (s *Server) getSpace(w http.ResponseWriter, r *http.Request) {
	space, err := s.handle.Get().GetSpace(r.Context(), chi.URLParam(r, "spaceID"))
	if err != nil {
		api.FromAppError(w, err)
		return
	}
	api.Success(w, http.StatusOK, space)
}

func (s *Server) putSpace(w http.ResponseWriter, r *http.Request) {
	var space domain.Space
	if err := json.NewDecoder(r.Body).Decode(&space); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	space.ID = chi.URLParam(r, "spaceID")

	if err := s.handle.Get().UpsertSpace(r.Context(), &space); err != nil {
		api.FromAppError(w, err)
		return
	}
	if err := s.afterWrite(r.Context(), true); err != nil {
		api.FromAppError(w, err)
		return
	}
	s.notifier.BroadcastSpace(r.Context(), space.ID)
	api.Success(w, http.StatusOK, map[string]string{"id": space.ID})
}

func (s *Server) deleteSpace(w http.ResponseWriter, r *http.Request) {
	spaceID := chi.URLParam(r, "spaceID")
	existed, err := s.handle.Get().DeleteSpace(r.Context(), spaceID)
	if err != nil {
		api.FromAppError(w, err)
		return
	}
	if err := s.afterWrite(r.Context(), existed); err != nil {
		api.FromAppError(w, err)
		return
	}
	if existed {
		s.notifier.BroadcastSpaceList(r.Context())
	}
	api.Success(w, http.StatusOK, api.DeletedResponse{Deleted: existed})
}

// Node handlers

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.handle.Get().GetNode(r.Context(),
		chi.URLParam(r, "spaceID"), chi.URLParam(r, "nodeKey"))
	if err != nil {
		api.FromAppError(w, err)
		return
	}
	api.Success(w, http.StatusOK, node)
}

func (s *Server) upsertNode(w http.ResponseWriter, r *http.Request) {
	spaceID := chi.URLParam(r, "spaceID")
	nodeKey := chi.URLParam(r, "nodeKey")

	var req api.UpsertNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	payload, err := domain.ParsePayload(req.Data)
	if err != nil {
		api.FromAppError(w, err)
		return
	}

	if err := s.handle.Get().UpsertNode(r.Context(), spaceID, nodeKey, payload); err != nil {
		api.FromAppError(w, err)
		return
	}
	if err := s.afterWrite(r.Context(), true); err != nil {
		api.FromAppError(w, err)
		return
	}
	s.notifier.BroadcastSpace(r.Context(), spaceID)
	api.Success(w, http.StatusOK, map[string]string{"id": domain.NodeID(spaceID, nodeKey)})
}

func (s *Server) updateNodeField(w http.ResponseWriter, r *http.Request) {
	spaceID := chi.URLParam(r, "spaceID")
	nodeKey := chi.URLParam(r, "nodeKey")

	var req api.UpdateNodeFieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Field == "" {
		api.Error(w, http.StatusBadRequest, "field is required")
		return
	}

	if err := s.handle.Get().UpdateNodeField(r.Context(), spaceID, nodeKey, req.Field, req.Value); err != nil {
		api.FromAppError(w, err)
		return
	}
	if err := s.afterWrite(r.Context(), true); err != nil {
		api.FromAppError(w, err)
		return
	}
	s.notifier.BroadcastSpace(r.Context(), spaceID)
	api.Success(w, http.StatusOK, map[string]string{"id": domain.NodeID(spaceID, nodeKey)})
}

func (s *Server) deleteNode(w http.ResponseWriter, r *http.Request) {
	spaceID := chi.URLParam(r, "spaceID")
	existed, err := s.handle.Get().DeleteNode(r.Context(), spaceID, chi.URLParam(r, "nodeKey"))
	if err != nil {
		api.FromAppError(w, err)
		return
	}
	if err := s.afterWrite(r.Context(), existed); err != nil {
		api.FromAppError(w, err)
		return
	}
	if existed {
		s.notifier.BroadcastSpace(r.Context(), spaceID)
	}
	api.Success(w, http.StatusOK, api.DeletedResponse{Deleted: existed})
}

// Edge handlers

func (s *Server) listEdges(w http.ResponseWriter, r *http.Request) {
	edges, err := s.handle.Get().ListEdges(r.Context(), chi.URLParam(r, "spaceID"))
	if err != nil {
		api.FromAppError(w, err)
		return
	}
	if edges == nil {
		edges = []domain.Edge{}
	}
	api.Success(w, http.StatusOK, edges)
}

func (s *Server) createEdge(w http.ResponseWriter, r *http.Request) {
	spaceID := chi.URLParam(r, "spaceID")

	var req api.CreateEdgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	edge := domain.Edge{
		SpaceID:   spaceID,
		SourceKey: req.SourceNode,
		TargetKey: req.TargetNode,
		Type:      req.Type,
		Strength:  req.Strength,
		Gloss:     req.Gloss,
	}
	if err := s.handle.Get().InsertEdge(r.Context(), &edge); err != nil {
		api.FromAppError(w, err)
		return
	}
	if err := s.afterWrite(r.Context(), true); err != nil {
		api.FromAppError(w, err)
		return
	}
	s.notifier.BroadcastSpace(r.Context(), spaceID)
	api.Success(w, http.StatusCreated, edge)
}

func (s *Server) deleteEdge(w http.ResponseWriter, r *http.Request) {
	spaceID := chi.URLParam(r, "spaceID")
	edgeID := chi.URLParam(r, "edgeID")
	// Edge IDs embed their owning space; an ID from another space must not
	// be deletable through this one's URL.
	if !strings.HasPrefix(edgeID, spaceID+":") {
		api.Error(w, http.StatusNotFound, "edge not found in this space")
		return
	}
	existed, err := s.handle.Get().DeleteEdge(r.Context(), edgeID)
	if err != nil {
		api.FromAppError(w, err)
		return
	}
	if err := s.afterWrite(r.Context(), existed); err != nil {
		api.FromAppError(w, err)
		return
	}
	if existed {
		s.notifier.BroadcastSpace(r.Context(), spaceID)
	}
	api.Success(w, http.StatusOK, api.DeletedResponse{Deleted: existed})
}

// History handlers

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.handle.Get().ListHistory(r.Context(), chi.URLParam(r, "spaceID"))
	if err != nil {
		api.FromAppError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}
	api.Success(w, http.StatusOK, entries)
}

func (s *Server) appendHistory(w http.ResponseWriter, r *http.Request) {
	spaceID := chi.URLParam(r, "spaceID")

	var req api.AppendHistoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	entry, err := s.handle.Get().AppendHistory(r.Context(), spaceID, req.Entry)
	if err != nil {
		api.FromAppError(w, err)
		return
	}
	if err := s.afterWrite(r.Context(), true); err != nil {
		api.FromAppError(w, err)
		return
	}
	s.notifier.BroadcastSpace(r.Context(), spaceID)
	api.Success(w, http.StatusCreated, entry)
}

// Sync handlers

func (s *Server) triggerSync(w http.ResponseWriter, r *http.Request) {
	if err := s.sync.Sync(r.Context()); err != nil {
		if errors.Is(err, replica.ErrNotReplica) {
			api.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		api.FromAppError(w, err)
		return
	}
	api.Success(w, http.StatusOK, s.sync.Status())
}

func (s *Server) triggerResync(w http.ResponseWriter, r *http.Request) {
	backup, err := s.sync.Resync(r.Context())
	if err != nil {
		if errors.Is(err, replica.ErrNotReplica) {
			api.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		api.FromAppError(w, err)
		return
	}
	api.Success(w, http.StatusOK, api.ResyncResponse{BackupPath: backup})
}

func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	api.Success(w, http.StatusOK, s.sync.Status())
}
