package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/apex-audit/apex-audit/internal/audit"
	"github.com/apex-audit/apex-audit/internal/auth"
	"github.com/apex-audit/apex-audit/internal/db/repositories"
	"github.com/apex-audit/apex-audit/internal/rollback"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <history-id>",
	Short: "Revert the change recorded by a history entry",
	Long: `Reverts one history entry: an update restores the previous field values, a
delete re-creates the row and a create or restore removes it. The entry is then
marked rolled back and a rollback audit record is written.

--scopes must grant audit:rollback, <model_type>:rollback or admin.`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

func init() {
	rollbackCmd.Flags().String("actor", "", "id of the user performing the rollback (required)")
	rollbackCmd.Flags().StringSlice("scopes", nil, "scopes granted to the actor, comma separated")
	_ = rollbackCmd.MarkFlagRequired("actor")
	rootCmd.AddCommand(rollbackCmd)
}

func runRollback(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	historyID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || historyID <= 0 {
		return withExitCode(2, fmt.Errorf("invalid history id %q", args[0]))
	}
	actorID, _ := cmd.Flags().GetString("actor")
	scopes, _ := cmd.Flags().GetStringSlice("scopes")
	if err := auth.ValidateScopes(scopes); err != nil {
		return withExitCode(2, err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	store, err := modelStoreFor(a.policy.Policy())
	if err != nil {
		return err
	}
	if err := a.startPipeline(ctx); err != nil {
		return err
	}

	engine := rollback.NewEngine(a.db, a.histories, store, a.recorder)
	res, err := engine.Rollback(ctx, historyID, audit.Actor{ID: actorID, Scopes: scopes})
	if err != nil {
		var pe *rollback.PreconditionError
		if errors.As(err, &pe) {
			return withExitCode(3, err)
		}
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// modelStoreFor maps every model type with a configured table onto its live rows.
func modelStoreFor(p *audit.AuditPolicy) (*repositories.ModelStore, error) {
	tables := make(map[string]repositories.ModelTable, len(p.Models))
	for modelType, mp := range p.Models {
		if mp.Table == "" {
			continue
		}
		tables[modelType] = repositories.ModelTable{Table: mp.Table, PrimaryKey: mp.PrimaryKey}
	}
	return repositories.NewModelStore(tables)
}
