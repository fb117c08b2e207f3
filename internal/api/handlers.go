package api

import (
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zombor/billstore/internal/bill"
	"github.com/zombor/billstore/internal/ingest"
)

// maxUploadSize fits high resolution phone photos
const maxUploadSize = 50 << 20

// listResponse is one page of a listing
type listResponse struct {
	Items    []*bill.Record `json:"items"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
	HasMore  bool           `json:"has_more"`
}

// collectPage skips to the page and reads one record past it to learn
// whether another page follows
func collectPage(seq iter.Seq2[*bill.Record, error], p pageParams) (*listResponse, error) {
	resp := &listResponse{Items: []*bill.Record{}, Page: p.Page, PageSize: p.PageSize}
	skip := p.offset()
	for rec, err := range seq {
		if err != nil {
			return nil, err
		}
		if skip > 0 {
			skip--
			continue
		}
		if len(resp.Items) == p.PageSize {
			resp.HasMore = true
			break
		}
		resp.Items = append(resp.Items, rec)
	}
	return resp, nil
}

func (s *Server) handleCreateBill(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	in := req.record()
	if in.CreatedBy == "" {
		in.CreatedBy = actorFrom(r.Context())
	}

	rec, err := s.bills.Create(r.Context(), in)
	if err != nil {
		respondError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/bills/"+strconv.FormatInt(rec.ID, 10))
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetBill(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	rec, err := s.bills.GetByID(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetByRecordID(w http.ResponseWriter, r *http.Request) {
	rec, err := s.bills.GetByRecordID(r.Context(), chi.URLParam(r, "recordID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdateFields(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var req patchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	rec, err := s.bills.UpdateFields(r.Context(), id, req.patch())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	rec, err := s.bills.UpdateStatus(r.Context(), id, req.Status, req.Description)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdateStatusByRecordID(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	rec, err := s.bills.UpdateStatusByRecordID(r.Context(), chi.URLParam(r, "recordID"), req.Status, req.Description)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListBills(w http.ResponseWriter, r *http.Request) {
	start, end, err := timeRange(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	p, err := paging(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	q := r.URL.Query()
	filter := bill.Filter{
		PaymentMethod: q.Get("payment_method"),
		Status:        bill.Status(q.Get("status")),
	}

	resp, err := collectPage(s.bills.ListByTimeRange(r.Context(), start, end, filter), p)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListByPayment(w http.ResponseWriter, r *http.Request) {
	p, err := paging(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	resp, err := collectPage(s.bills.ListByPaymentMethod(r.Context(), chi.URLParam(r, "method")), p)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	start, end, err := timeRange(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	sum, err := s.bills.Summarize(r.Context(), start, end)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	rec, err := s.bills.GetByID(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if rec.ImagePath == nil {
		writeProblem(w, http.StatusNotFound, "Not Found", "bill has no image")
		return
	}

	data, contentType, err := s.images.Get(r.Context(), *rec.ImagePath)
	if err != nil {
		respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if _, err := w.Write(data); err != nil {
		slog.Error("Error writing image", "id", id, "error", err)
	}
}

func (s *Server) handleAnalyzeBill(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeProblem(w, http.StatusRequestEntityTooLarge, "Too Large", "file is too large, the maximum size is 50MB")
			return
		}
		badRequest(w, "error parsing form")
		return
	}

	// "image" is the documented field, "file" is accepted for older clients
	f, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		f, header, err = r.FormFile("file")
	}
	if err != nil {
		badRequest(w, "no file was uploaded")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeProblem(w, http.StatusInternalServerError, "Internal Error", "error reading file")
		return
	}

	task, err := s.ingester.Submit(r.Context(), ingest.Upload{
		Filename:    header.Filename,
		Data:        data,
		ContentType: header.Header.Get("Content-Type"),
		Actor:       actorFrom(r.Context()),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/tasks/"+task.ID)
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.ingester.Task(chi.URLParam(r, "taskID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type healthResponse struct {
	Database   bool      `json:"database"`
	ImageStore bool      `json:"image_store"`
	Timestamp  time.Time `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Timestamp: time.Now().UTC()}
	if err := s.bills.Ping(r.Context()); err != nil {
		slog.Warn("Database health check failed", "error", err)
	} else {
		resp.Database = true
	}
	if err := s.images.Ping(r.Context()); err != nil {
		slog.Warn("Image store health check failed", "error", err)
	} else {
		resp.ImageStore = true
	}

	status := http.StatusOK
	if !resp.Database || !resp.ImageStore {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
