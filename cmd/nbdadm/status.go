package main

import (
	"time"

	"github.com/pojntfx/nbdadm/pkg/control"
	"github.com/spf13/cobra"
)

type status struct {
	Instance   uint32    `json:"instance"`
	Name       string    `json:"name"`
	ExportName string    `json:"exportName"`
	Address    string    `json:"address"`
	SessionID  string    `json:"sessionId"`
	AttachedAt time.Time `json:"attachedAt"`

	Geometry control.Geometry `json:"geometry"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recorded attachments",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}

		records, err := store.List()
		if err != nil {
			return err
		}

		statuses := []status{}
		for _, record := range records {
			statuses = append(statuses, status{
				Instance:   record.Instance,
				Name:       record.Name,
				ExportName: record.ExportName,
				Address:    record.Address,
				SessionID:  record.SessionID,
				AttachedAt: record.AttachedAt,

				Geometry: control.GeometryOf(record.Export()),
			})
		}

		return printJSON(statuses)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
