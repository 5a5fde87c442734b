package control

import (
	"github.com/pojntfx/nbdadm/pkg/client"
)

const (
	SectorSize = 512
)

// Geometry is what a block front end reports upward for an instance.
type Geometry struct {
	Size       uint64
	SectorSize uint32
	Blocks     uint64

	ReadOnly   bool
	Rotational bool
	Flush      bool
	FUA        bool
	Trim       bool
}

func GeometryOf(export client.ExportDescriptor) Geometry {
	return Geometry{
		Size:       export.Size,
		SectorSize: SectorSize,
		Blocks:     export.Size / SectorSize,

		ReadOnly:   export.ReadOnly(),
		Rotational: export.Rotational(),
		Flush:      export.SendFlush(),
		FUA:        export.SendFUA(),
		Trim:       export.SendTrim(),
	}
}
