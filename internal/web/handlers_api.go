package web

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"watchtwin/internal/ble"
	"watchtwin/internal/calendar"
	"watchtwin/internal/cts"
	"watchtwin/internal/store"
)

const defaultHistoryLimit = 50

func (s *Server) handleAPIGetTime(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.watch.Status())
}

type setTimeRequest struct {
	Epoch *int64 `json:"epoch"`
}

func (s *Server) handleAPISetTime(w http.ResponseWriter, r *http.Request) {
	var req setTimeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Epoch == nil {
		s.writeError(w, http.StatusBadRequest, "epoch is required")
		return
	}
	if *req.Epoch < 0 || *req.Epoch > math.MaxUint32 {
		s.writeError(w, http.StatusBadRequest, "epoch out of range")
		return
	}

	s.watch.SetTime(cts.SourceHTTP, uint32(*req.Epoch))
	s.writeJSON(w, http.StatusOK, s.watch.Status())
}

func (s *Server) handleAPIFace(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.watch.Face().State())
}

// historyView is a time-sync record with the resulting local time.
type historyView struct {
	Seq      uint64    `json:"seq"`
	Epoch    uint32    `json:"epoch"`
	Previous uint32    `json:"previous"`
	Drift    int64     `json:"drift"`
	Source   string    `json:"source"`
	At       time.Time `json:"at"`
	Local    string    `json:"local"`
}

func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	views := []historyView{}
	st := s.watch.Store()
	if st == nil {
		s.writeJSON(w, http.StatusOK, views)
		return
	}

	recs, err := st.ListTimeSyncs(limit)
	if err != nil {
		s.logger.Error("list time syncs", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	offset := s.watch.Twin().Offset()
	for _, rec := range recs {
		views = append(views, historyView{
			Seq:      rec.Seq,
			Epoch:    rec.Epoch,
			Previous: rec.Previous,
			Drift:    rec.Drift(),
			Source:   rec.Source,
			At:       rec.At,
			Local:    calendar.Convert(rec.Epoch, offset).String(),
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

type peersResponse struct {
	Connected []ble.Peer    `json:"connected"`
	Known     []*store.Peer `json:"known"`
}

func (s *Server) handleAPIPeers(w http.ResponseWriter, r *http.Request) {
	resp := peersResponse{Connected: s.watch.Peers(), Known: []*store.Peer{}}
	if resp.Connected == nil {
		resp.Connected = []ble.Peer{}
	}
	if st := s.watch.Store(); st != nil {
		known, err := st.ListPeers()
		if err != nil {
			s.logger.Error("list peers", "err", err)
			s.writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if known != nil {
			resp.Known = known
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type gattCharView struct {
	Handle     string   `json:"handle"`
	UUID       string   `json:"uuid"`
	Name       string   `json:"name"`
	Properties []string `json:"properties"`
	Value      string   `json:"value,omitempty"` // hex, readable characteristics only
}

type gattServiceView struct {
	UUID            string         `json:"uuid"`
	Name            string         `json:"name"`
	Characteristics []gattCharView `json:"characteristics"`
}

func (s *Server) handleAPIListGATT(w http.ResponseWriter, r *http.Request) {
	reg := s.watch.GATT()
	services := reg.All()
	views := make([]gattServiceView, 0, len(services))
	for _, svc := range services {
		sv := gattServiceView{UUID: svc.UUID, Name: svc.Name, Characteristics: []gattCharView{}}
		for _, c := range svc.Characteristics {
			cv := gattCharView{
				Handle:     formatHandle(c.Handle),
				UUID:       c.UUID,
				Name:       c.Name,
				Properties: propertyNames(c.Properties),
			}
			if c.IsReadable() {
				if v, err := reg.Read(c.Handle); err == nil {
					cv.Value = hex.EncodeToString(v)
				}
			}
			sv.Characteristics = append(sv.Characteristics, cv)
		}
		views = append(views, sv)
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIReadGATT(w http.ResponseWriter, r *http.Request) {
	handle, ok := s.parseHandle(w, r)
	if !ok {
		return
	}
	v, err := s.watch.GATT().Read(handle)
	if err != nil {
		s.writeATTError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"handle": formatHandle(handle), "value": hex.EncodeToString(v)})
}

type gattWriteRequest struct {
	Offset uint16 `json:"offset"`
	Value  string `json:"value"` // hex
}

// handleAPIWriteGATT performs an attribute write exactly as a BLE central
// would, so the ATT error a phone would see is returned.
func (s *Server) handleAPIWriteGATT(w http.ResponseWriter, r *http.Request) {
	handle, ok := s.parseHandle(w, r)
	if !ok {
		return
	}
	var req gattWriteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	value, err := hex.DecodeString(req.Value)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "value must be hex")
		return
	}
	if err := s.watch.GATT().Write(handle, req.Offset, value); err != nil {
		s.writeATTError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) parseHandle(w http.ResponseWriter, r *http.Request) (uint16, bool) {
	h, err := strconv.ParseUint(r.PathValue("handle"), 0, 16)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid handle")
		return 0, false
	}
	return uint16(h), true
}

func (s *Server) writeATTError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	var ae ble.ATTError
	if errors.As(err, &ae) && ae == ble.ErrInvalidHandle {
		status = http.StatusNotFound
	}
	s.writeJSON(w, status, map[string]any{"error": err.Error(), "att_code": ble.ATTCode(err)})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func formatHandle(h uint16) string {
	return fmt.Sprintf("0x%04X", h)
}

func propertyNames(p uint8) []string {
	names := []string{}
	for _, f := range []struct {
		bit  uint8
		name string
	}{
		{ble.PropRead, "read"},
		{ble.PropWriteNoResp, "write_without_response"},
		{ble.PropWrite, "write"},
		{ble.PropNotify, "notify"},
	} {
		if p&f.bit != 0 {
			names = append(names, f.name)
		}
	}
	return names
}
