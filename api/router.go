package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"omroncip/config"
	"omroncip/plcman"
)

// PLCResponse is the JSON response for PLC info.
type PLCResponse struct {
	Name           string `json:"name"`
	Address        string `json:"address"`
	Port           uint16 `json:"port,omitempty"`
	Slot           byte   `json:"slot"`
	Status         string `json:"status"`
	ConnectionMode string `json:"connection_mode,omitempty"`
	ProductName    string `json:"product_name,omitempty"`
	Revision       string `json:"revision,omitempty"`
	Error          string `json:"error,omitempty"`
}

// TagResponse is the JSON response for a tag value. When a tag has an alias, Name
// holds the alias and Address the configured tag address.
type TagResponse struct {
	PLC       string      `json:"plc"`
	Name      string      `json:"name"`
	Address   string      `json:"address,omitempty"`
	Type      string      `json:"type"`
	Value     interface{} `json:"value"`
	Writable  bool        `json:"writable"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// WriteRequest is the JSON request for writing a tag value.
type WriteRequest struct {
	PLC   string      `json:"plc"`
	Tag   string      `json:"tag"`
	Value interface{} `json:"value"`
}

// WriteResponse is the JSON response after writing a tag value.
type WriteResponse struct {
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// plcParam resolves the {plc} URL parameter, writing a 404 if it names no PLC.
func (s *Server) plcParam(w http.ResponseWriter, r *http.Request) *plcman.ManagedPLC {
	name, _ := url.PathUnescape(chi.URLParam(r, "plc"))
	if resolved, ok := s.manager.FindPLCName(name); ok {
		name = resolved
	}
	plc := s.manager.GetPLC(name)
	if plc == nil {
		writeError(w, http.StatusNotFound, "PLC not found")
	}
	return plc
}

func plcResponse(plc *plcman.ManagedPLC) PLCResponse {
	resp := PLCResponse{
		Name:           plc.Config.Name,
		Address:        plc.Config.Address,
		Port:           plc.Config.Port,
		Slot:           plc.Config.Slot,
		Status:         plc.GetStatus().String(),
		ConnectionMode: plc.GetConnectionMode(),
	}
	if id := plc.GetIdentity(); id != nil {
		resp.ProductName = id.ProductName
		resp.Revision = id.Revision()
	}
	if err := plc.GetError(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func tagResponse(plcName string, sel config.TagSelection, v *plcman.TagValue) TagResponse {
	resp := TagResponse{
		PLC:      plcName,
		Name:     sel.DisplayName(),
		Writable: sel.Writable,
	}
	if sel.Alias != "" {
		resp.Address = sel.Name
	}
	if v != nil {
		resp.Type = v.TypeName()
		resp.Value = v.GoValue()
		if v.Error != nil {
			resp.Error = v.Error.Error()
		}
		if !v.Updated.IsZero() {
			resp.Timestamp = v.Updated.UTC().Format(time.RFC3339Nano)
		}
	}
	return resp
}

func (s *Server) handleListPLCs(w http.ResponseWriter, r *http.Request) {
	plcs := s.manager.ListPLCs()
	response := make([]PLCResponse, 0, len(plcs))
	for _, plc := range plcs {
		response = append(response, plcResponse(plc))
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handlePLCDetails(w http.ResponseWriter, r *http.Request) {
	plc := s.plcParam(w, r)
	if plc == nil {
		return
	}
	writeJSON(w, http.StatusOK, plcResponse(plc))
}

// handleAllTags returns cached values for every enabled tag not excluded from REST,
// keyed by "plc.tag".
func (s *Server) handleAllTags(w http.ResponseWriter, r *http.Request) {
	plc := s.plcParam(w, r)
	if plc == nil {
		return
	}

	values := plc.GetValues()
	response := make(map[string]TagResponse)
	for _, sel := range plc.Config.EnabledTags() {
		if sel.NoREST {
			continue
		}
		resp := tagResponse(plc.Config.Name, sel, values[sel.Name])
		response[plc.Config.Name+"."+resp.Name] = resp
	}
	writeJSON(w, http.StatusOK, response)
}

// handleSingleTag returns one tag by address or alias. Configured tags come from
// the poll cache when available; anything else is read from the PLC directly.
func (s *Server) handleSingleTag(w http.ResponseWriter, r *http.Request) {
	plc := s.plcParam(w, r)
	if plc == nil {
		return
	}
	tagName, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || tagName == "" {
		writeError(w, http.StatusBadRequest, "invalid tag name")
		return
	}

	sel, err := s.manager.Tag(plc.Config.Name, tagName)
	if err == nil {
		if !sel.Enabled || sel.NoREST {
			writeError(w, http.StatusNotFound, "tag not enabled for REST")
			return
		}
		if v := plc.GetValue(sel.Name); v != nil && r.URL.Query().Get("fresh") == "" {
			writeJSON(w, http.StatusOK, tagResponse(plc.Config.Name, sel, v))
			return
		}
	} else {
		sel = config.TagSelection{Name: tagName}
	}

	ctx, cancel := context.WithTimeout(r.Context(), WriteTimeout)
	defer cancel()

	v, err := s.manager.ReadTag(ctx, plc.Config.Name, sel.Name)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tagResponse(plc.Config.Name, sel, v))
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	plc := s.plcParam(w, r)
	if plc == nil {
		return
	}

	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	resp := WriteResponse{PLC: req.PLC, Tag: req.Tag, Value: req.Value}
	fail := func(status int, msg string) {
		resp.Error = msg
		resp.Timestamp = time.Now().UTC().Format(time.RFC3339)
		writeJSON(w, status, resp)
	}

	if req.PLC == "" {
		resp.PLC = plc.Config.Name
	} else if req.PLC != plc.Config.Name {
		fail(http.StatusBadRequest, fmt.Sprintf("PLC name mismatch: URL has '%s', request has '%s'", plc.Config.Name, req.PLC))
		return
	}
	if req.Tag == "" {
		fail(http.StatusBadRequest, "tag is required")
		return
	}
	if req.Value == nil {
		fail(http.StatusBadRequest, "value is required")
		return
	}
	if plc.GetStatus() != plcman.StatusConnected {
		fail(http.StatusServiceUnavailable, "PLC not connected")
		return
	}
	if _, err := s.manager.Tag(plc.Config.Name, req.Tag); err != nil {
		fail(statusFor(err), "tag not found")
		return
	}
	if !s.manager.IsWritable(plc.Config.Name, req.Tag) {
		fail(http.StatusForbidden, "tag is not writable")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), WriteTimeout)
	defer cancel()

	if err := s.manager.WriteTag(ctx, plc.Config.Name, req.Tag, req.Value); err != nil {
		fail(statusFor(err), err.Error())
		return
	}

	resp.Success = true
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)
	writeJSON(w, http.StatusOK, resp)
}
