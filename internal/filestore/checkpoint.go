package filestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"baagent/internal/types"
)

// SaveCheckpoint persists v as JSON under
// temp/checkpoints/<session>/<name>.json. Both components are validated
// the same way file ids are.
func (s *Store) SaveCheckpoint(ctx context.Context, sessionID, name string, v interface{}) error {
	if err := ctx.Err(); err != nil {
		return types.WrapErr(types.KindCancelled, "checkpoint save", err)
	}
	path, err := s.checkpointPath(sessionID, name)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return types.WrapErr(types.KindBadInput, "marshal checkpoint", err)
	}
	if err := writeAtomic(path, data); err != nil {
		return types.WrapErr(types.KindInternal, "write checkpoint", err)
	}
	return nil
}

// LoadCheckpoint restores a checkpoint into v. Missing checkpoints
// yield a not_found error.
func (s *Store) LoadCheckpoint(ctx context.Context, sessionID, name string, v interface{}) error {
	if err := ctx.Err(); err != nil {
		return types.WrapErr(types.KindCancelled, "checkpoint load", err)
	}
	path, err := s.checkpointPath(sessionID, name)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.E(types.KindNotFound, "checkpoint %s/%s not found", sessionID, name)
		}
		return types.WrapErr(types.KindInternal, "read checkpoint", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return types.WrapErr(types.KindInternal, "decode checkpoint", err)
	}
	return nil
}

func (s *Store) checkpointPath(sessionID, name string) (string, error) {
	if err := types.ValidateFileID(sessionID); err != nil {
		return "", err
	}
	if err := types.ValidateFileID(name); err != nil {
		return "", err
	}
	dir, err := s.CategoryDir(types.CategoryCheckpoint)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, sessionID, name+".json"), nil
}
