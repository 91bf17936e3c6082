package document_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/facturation-api/internal/document"
)

func router(svc *document.Service) http.Handler {
	h := &document.Handler{Svc: svc}
	r := chi.NewRouter()
	r.Route("/customers/{customerId}/documents", func(d chi.Router) {
		d.Post("/", h.Create)
		d.Get("/{documentId}", h.Get)
		d.Get("/{documentId}/totals", h.Totals)
		d.Put("/{documentId}/lines", h.ReplaceLines)
		d.Post("/{documentId}/finalize", h.Finalize)
	})
	return r
}

func call(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body.Error.Code
}

func TestDocumentHandlersLifecycle(t *testing.T) {
	svc, _ := newService()
	h := router(svc)
	base := "/customers/" + uuid.NewString() + "/documents"

	rr := call(h, http.MethodPost, base+"/", `{
		"kind": "sales_invoice",
		"lines": [{"designation": "A", "quantity": "1", "unitPriceHT": "100", "lineDiscountPct": "10", "vatPct": "19"},
		          {"designation": "B", "quantity": "1", "unitPriceHT": "100", "lineDiscountPct": "10", "vatPct": "19"}],
		"config": {"globalDiscountPct": "10"}
	}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	var created struct {
		ID     uuid.UUID `json:"id"`
		Status string    `json:"status"`
		Totals struct {
			NetHT string `json:"netHT"`
		} `json:"totals"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	require.Equal(t, "draft", created.Status)
	require.Equal(t, "162", created.Totals.NetHT)

	doc := base + "/" + created.ID.String()
	rr = call(h, http.MethodGet, doc+"/totals", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = call(h, http.MethodPut, doc+"/lines", `{"lines": [{"quantity": "1", "unitPriceHT": "10", "lineDiscountPct": "200"}]}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Equal(t, "INVALID_LINES", errorCode(t, rr))

	rr = call(h, http.MethodPost, doc+"/finalize", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"status":"finalized"`)

	rr = call(h, http.MethodPost, doc+"/finalize", "")
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "DOCUMENT_FINALIZED", errorCode(t, rr))

	rr = call(h, http.MethodGet, base+"/"+uuid.NewString(), "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "DOCUMENT_NOT_FOUND", errorCode(t, rr))

	rr = call(h, http.MethodPost, base+"/", `{"kind": "receipt"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Equal(t, "INVALID_KIND", errorCode(t, rr))
}
