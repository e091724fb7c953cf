package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/cuemby/rimio/pkg/rimerr"
)

func (s *Server) handleGetSlot(w http.ResponseWriter, r *http.Request) {
	slotID, err := strconv.ParseUint(mux.Vars(r)["slot_id"], 10, 32)
	if err != nil {
		writeError(w, rimerr.New(rimerr.KindInvalidRequest, "slot_id must be an integer"))
		return
	}

	info, err := s.reg.GetSlot(r.Context(), uint32(slotID))
	if err != nil {
		writeError(w, rimerr.Wrap(rimerr.KindStorage, err, "reading slot assignment"))
		return
	}
	if info == nil {
		writeError(w, rimerr.Newf(rimerr.KindNotFound, "slot %d has no assignment", slotID))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.reg.GetNodes(r.Context())
	if err != nil {
		writeError(w, rimerr.Wrap(rimerr.KindStorage, err, "reading node list"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}
