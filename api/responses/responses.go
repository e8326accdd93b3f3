package responses

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	pkgerrors "github.com/angelmondragon/peermarket-backend/pkg/errors"
	"github.com/angelmondragon/peermarket-backend/pkg/logger"
	"github.com/angelmondragon/peermarket-backend/pkg/types"
)

// callerFacing lists codes whose own message is safe to return; every other
// code answers with its registered public message.
var callerFacing = map[pkgerrors.Code]struct{}{
	pkgerrors.CodeValidation:         {},
	pkgerrors.CodeForbidden:          {},
	pkgerrors.CodeUnauthorized:       {},
	pkgerrors.CodeNotFound:           {},
	pkgerrors.CodeConflict:           {},
	pkgerrors.CodeInvalidTransition:  {},
	pkgerrors.CodePreconditionFailed: {},
	pkgerrors.CodeAlreadyRefunded:    {},
	pkgerrors.CodeNotApproved:        {},
	pkgerrors.CodeIdempotency:        {},
}

// detailLogKeys are copied from error details into the log line.
var detailLogKeys = []string{"step", "order_id", "from", "event"}

func WriteSuccess(w http.ResponseWriter, data any) {
	WriteSuccessStatus(w, http.StatusOK, data)
}

func WriteSuccessStatus(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, types.SuccessEnvelope{Data: data})
}

// WriteOutcome writes a transition result; a replay is 200 with replayed set
// so clients can tell a benign duplicate from a fresh change.
func WriteOutcome(w http.ResponseWriter, status int, data any, replayed bool) {
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, types.SuccessEnvelope{Data: data, Replayed: replayed})
}

// WriteError maps err onto the error envelope. Untyped errors become
// INTERNAL with no details; ALREADY_PROCESSED is answered as a replay.
func WriteError(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	typed := pkgerrors.As(err)
	if typed == nil {
		typed = pkgerrors.Wrap(pkgerrors.CodeInternal, err, "unexpected error")
	}
	if typed.Code() == pkgerrors.CodeAlreadyProcessed {
		WriteOutcome(w, http.StatusOK, typed.Details(), true)
		return
	}

	meta := pkgerrors.MetadataFor(typed.Code())
	apiErr := types.APIError{Code: string(typed.Code()), Message: meta.PublicMessage}
	if _, ok := callerFacing[typed.Code()]; ok && typed.Message() != "" {
		apiErr.Message = typed.Message()
	}
	if meta.DetailsAllowed {
		apiErr.Details = typed.Details()
	}

	logFailure(ctx, logg, err, typed, meta.HTTPStatus)
	writeJSON(w, meta.HTTPStatus, types.ErrorEnvelope{Error: apiErr})
}

func logFailure(ctx context.Context, logg *logger.Logger, err error, typed *pkgerrors.Error, status int) {
	if logg == nil {
		return
	}
	dump := pkgerrors.Dump(err)
	fields := map[string]any{
		"error":       dump.TopMessage,
		"error_code":  dump.Code,
		"error_chain": dump.Chain,
		"status":      status,
	}
	if dump.PGCode != "" {
		fields["pg_code"] = dump.PGCode
		fields["pg_detail"] = dump.PGDetail
		fields["pg_message"] = dump.PGMessage
		fields["pg_table"] = dump.PGTable
		fields["pg_column"] = dump.PGColumn
		fields["pg_constraint"] = dump.PGConstraint
		fields["pg_transient"] = dump.PGTransient
	}
	if details, ok := typed.Details().(map[string]any); ok {
		for _, key := range detailLogKeys {
			if v, ok := details[key]; ok {
				fields[key] = v
			}
		}
	}

	ctx = logg.WithFields(ctx, fields)
	if status >= http.StatusInternalServerError {
		logg.Error(ctx, "request.error", err)
		return
	}
	// Rejected transitions and validation failures are expected traffic.
	logg.Warn(ctx, "request.rejected")
}

// writeJSON encodes before touching the response so an encoding failure can
// still turn into a clean 500.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		status = http.StatusInternalServerError
		buf.Reset()
		_ = json.NewEncoder(&buf).Encode(types.ErrorEnvelope{Error: types.APIError{
			Code:    string(pkgerrors.CodeInternal),
			Message: "failed to encode response",
		}})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
