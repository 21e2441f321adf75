package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"inferq/internal/artifact"
	"inferq/internal/jobs"
	"inferq/internal/memory"
)

func newSubmitCmd(a *app) *cobra.Command {
	var (
		d      jobs.Descriptor
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:     "submit",
		Short:   "Queue a job in the configured store",
		Example: "  inferq submit --input inputs/photo.png --artifact styles/monet@v1 --memory 2048 --param allow_downgrade=true",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := d.Validate(); err != nil {
				return err
			}
			if _, err := artifact.ParseKey(d.Artifact); err != nil {
				return fmt.Errorf("%w: %v", jobs.ErrInvalidDescriptor, err)
			}
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			j, err := st.Create(cmd.Context(), d)
			if err != nil {
				return err
			}
			if asJSON {
				b, _ := json.MarshalIndent(j, "", "  ")
				fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), j.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&d.InputRef, "input", "", "Input reference (required)")
	cmd.Flags().StringVar(&d.Artifact, "artifact", "", "Artifact key namespace/name@version (required)")
	cmd.Flags().Int64Var(&d.EstimatedMemory, "memory", 0, "Estimated accelerator memory in MiB")
	cmd.Flags().IntVar(&d.Priority, "priority", memory.PriorityNormal, "Reservation priority")
	cmd.Flags().StringToStringVar(&d.Params, "param", nil, "Job parameter key=value (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the created job as JSON")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("artifact")
	return cmd
}
