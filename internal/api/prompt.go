package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/user/gossipmill/internal/config"
	"github.com/user/gossipmill/internal/gateway"
	"github.com/user/gossipmill/internal/prompt"
	"github.com/user/gossipmill/internal/types"
)

// promptRequest is the optional JSON body for POST /api/prompt.
type promptRequest struct {
	ParentMeta   *types.Metadata `json:"parentMeta"`
	ParentFile   string          `json:"parentFile"`
	MutationMode string          `json:"mutationMode"`
}

type promptResponse struct {
	OK             bool          `json:"ok"`
	Prompt         string        `json:"prompt"`
	Picked         types.Pick    `json:"picked"`
	SourceFile     string        `json:"sourceFile,omitempty"`
	MutationFields []types.Field `json:"mutationFields,omitempty"`
}

// handlePrompt previews a prompt without generating anything. With the
// "out" prompt source it replays the prompt of a random stored artifact,
// falling back to the vocabulary when none has metadata.
func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var body promptRequest
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid JSON")
		return
	}

	if s.cfg.PromptSource == config.PromptSourceOut {
		resp, err := s.promptFromStore(r.Context())
		if err != nil {
			slog.Warn("prompt from store failed", "error", err)
		}
		if resp != nil {
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	resp, err := s.promptFromLists(r.Context(), body)
	if err != nil {
		writeError(w, statusFor(err), "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// promptFromStore returns nil when no stored artifact has metadata.
func (s *Server) promptFromStore(ctx context.Context) (*promptResponse, error) {
	ids, err := s.artifacts.ListWithMeta(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	file := ids[s.rng.IntN(len(ids))]
	meta, err := s.artifacts.ReadMetadata(ctx, file)
	if err != nil {
		return nil, err
	}
	text, pick := prompt.FromMetadata(meta)
	return &promptResponse{OK: true, Prompt: text, Picked: pick, SourceFile: file}, nil
}

func (s *Server) promptFromLists(ctx context.Context, body promptRequest) (*promptResponse, error) {
	meta := body.ParentMeta
	if meta == nil && body.ParentFile != "" {
		m, err := s.artifacts.ReadMetadata(ctx, body.ParentFile)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", gateway.ErrParentNotFound, types.MetadataName(body.ParentFile))
			}
			return nil, err
		}
		meta = m
	}

	if meta == nil {
		pick := prompt.Random(s.engine.Vocabulary(), s.rng)
		return &promptResponse{OK: true, Prompt: prompt.Build(pick), Picked: pick}, nil
	}

	if body.MutationMode == "" {
		pick := s.engine.Normalize(meta.Pick)
		return &promptResponse{OK: true, Prompt: prompt.Build(pick), Picked: pick}, nil
	}

	mode, err := types.ParseMutationMode(body.MutationMode)
	if err != nil {
		return nil, err
	}
	pick, changed, err := s.engine.Mutate(meta.Pick, mode)
	if err != nil {
		return nil, err
	}
	return &promptResponse{OK: true, Prompt: prompt.Build(pick), Picked: pick, MutationFields: changed}, nil
}
