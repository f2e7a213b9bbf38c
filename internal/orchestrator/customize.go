package orchestrator

import (
	"context"

	"boardflash-agent/internal/flasher"
	"boardflash-agent/pkg/log"
	"boardflash-agent/pkg/sysconf"
)

// NewSysconfPatch returns a PatchFunc that writes first-boot settings (user
// name, password hash, wifi credentials and the like) as a KEY=value file at
// path, which the caller resolves to the mounted boot partition of the
// freshly written target.
func NewSysconfPatch(path string, vars map[string]string) PatchFunc {
	return func(ctx context.Context, target flasher.Target) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Info("writing first-boot settings", "target", target.Path, "path", path, "keys", len(vars))
		return sysconf.Save(path, vars)
	}
}
