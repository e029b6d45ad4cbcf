// Package scene loads the initial set of replicated objects from a Tiled map.
// Objects live in an object group named "Replicated"; the map plane is the
// world XZ plane and an optional "elevation" property gives Y.
package scene

import (
	"fmt"
	"io/fs"
	"sort"
	"strconv"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/lafriks/go-tiled"

	"github.com/automoto/grabsync/shared/netconfig"
)

const ReplicatedGroup = "Replicated"

// Object is one replicated object's identity and starting pose.
type Object struct {
	ID       netconfig.ObjectID
	Name     string
	Position mgl64.Vec3
	Rotation mgl64.Quat
}

// Load parses a TMX file and returns its replicated objects ordered by ID. It
// takes an fs.FS so callers can pass embed.FS or os.DirFS. Map pixels are
// converted to world units using the map's tile width.
func Load(fsys fs.FS, tmxPath string) ([]Object, error) {
	m, err := tiled.LoadFile(tmxPath, tiled.WithFileSystem(fsys))
	if err != nil {
		return nil, fmt.Errorf("load TMX %s: %w", tmxPath, err)
	}

	unit := float64(m.TileWidth)
	if unit <= 0 {
		unit = 1
	}

	var objects []Object
	seen := make(map[netconfig.ObjectID]bool)
	for _, og := range m.ObjectGroups {
		if og.Name != ReplicatedGroup {
			continue
		}
		for _, o := range og.Objects {
			id := netconfig.ObjectID(o.ID)
			if seen[id] {
				return nil, fmt.Errorf("duplicate object id %d in %s", id, tmxPath)
			}
			seen[id] = true

			elevation := 0.0
			if raw := o.Properties.GetString("elevation"); raw != "" {
				if elevation, err = strconv.ParseFloat(raw, 64); err != nil {
					return nil, fmt.Errorf("object %d elevation %q: %w", id, raw, err)
				}
			}

			// Tiled rotates clockwise when viewed from above
			rot := mgl64.QuatRotate(-mgl64.DegToRad(o.Rotation), mgl64.Vec3{0, 1, 0})

			objects = append(objects, Object{
				ID:       id,
				Name:     o.Name,
				Position: mgl64.Vec3{o.X / unit, elevation, o.Y / unit},
				Rotation: rot,
			})
		}
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].ID < objects[j].ID })
	return objects, nil
}
