package manifest

import (
	"fmt"

	"github.com/google/renameio/v2"
)

// WriteFile atomically replaces path with the rendered plan.
func WriteFile(path string, p Plan) error {
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending edit-list: %w", err)
	}
	defer pending.Cleanup()

	if _, err := p.WriteTo(pending); err != nil {
		return fmt.Errorf("write edit-list: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace edit-list: %w", err)
	}
	return nil
}
