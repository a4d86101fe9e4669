package others

import (
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/projecteru2/lumen/cleanup"
	cmdcore "github.com/projecteru2/lumen/cmd/core"
	"github.com/projecteru2/lumen/lock/flock"
	"github.com/projecteru2/lumen/version"
)

type Handler struct {
	cmdcore.BaseHandler
}

// Purge runs one trash sweep in the foreground, regardless of whether the
// periodic runner is enabled.
func (h Handler) Purge(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	db, manager, err := cmdcore.InitManager(ctx, conf)
	if err != nil {
		return err
	}

	runner := cleanup.NewRunner(db, manager, nil, conf.Cleanup, flock.New(conf.CleanupLock()))
	n, err := runner.Sweep(ctx)
	if err != nil {
		return err
	}
	log.WithFunc("cmd.purge").Infof(ctx, "purged %d trashed images", n)
	return nil
}

func (h Handler) Version(_ *cobra.Command, _ []string) error {
	fmt.Print(version.String())
	return nil
}
