package api

import (
	"context"
	"net/http"
	"time"
)

// connectTimeout bounds a REST-initiated connect, which includes the TCP dial,
// session registration and ListIdentity.
const connectTimeout = 10 * time.Second

// handleConnectPLC connects a PLC and waits for the result.
func (s *Server) handleConnectPLC(w http.ResponseWriter, r *http.Request) {
	plc := s.plcParam(w, r)
	if plc == nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), connectTimeout)
	defer cancel()

	if err := s.manager.ConnectWait(ctx, plc.Config.Name); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, plcResponse(plc))
}

func (s *Server) handleDisconnectPLC(w http.ResponseWriter, r *http.Request) {
	plc := s.plcParam(w, r)
	if plc == nil {
		return
	}
	if err := s.manager.Disconnect(plc.Config.Name); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, plcResponse(plc))
}
