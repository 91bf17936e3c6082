package totals

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/noah-isme/facturation-api/internal/common"
	"github.com/noah-isme/facturation-api/internal/obs"
)

// Handler serves stateless totals previews for editing surfaces.
type Handler struct {
	Defaults Defaults
}

type previewReq struct {
	Lines  []Line `json:"lines"`
	Config Config `json:"config"`
}

// Preview handles POST /totals/preview.
func (h Handler) Preview(w http.ResponseWriter, r *http.Request) {
	var req previewReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	req.Config = h.Defaults.Apply(req.Config)
	if err := Validate(req.Lines, req.Config); err != nil {
		var inputErr *InputError
		if errors.As(err, &inputErr) {
			common.JSONError(w, http.StatusUnprocessableEntity, "INVALID_LINES", "document lines or configuration are invalid",
				map[string]any{"fields": inputErr.Fields})
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
		return
	}
	obs.ObserveTotals("preview")
	common.JSON(w, http.StatusOK, Compute(req.Lines, req.Config))
}
