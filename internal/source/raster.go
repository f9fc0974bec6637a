package source

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/withObsrvr/flood-impact-runner/internal/storage"
)

var (
	// ErrNoRaster is returned when the listing holds no .tif object.
	ErrNoRaster = errors.New("no .tif raster object found")

	// ErrRasterNotFound is returned when an explicitly named raster is absent.
	ErrRasterNotFound = errors.New("requested raster not found")
)

// AutoRaster selects the most recent advisory raster.
const AutoRaster = "auto"

// Advisory raster naming: {storm}_{year}_adv{n}...ResultMaskRaster.tif
// Example: MILTON_2024_adv21_e10_ResultMaskRaster.tif
var advisoryPattern = regexp.MustCompile(`^([A-Za-z0-9]+)_(\d{4})_adv(\d+).*ResultMaskRaster\.tif$`)

// Advisory is the parsed form of an advisory raster name.
type Advisory struct {
	Storm    string
	Year     int
	Advisory int
}

// ParseAdvisory extracts storm, year and advisory number from a raster
// basename.
func ParseAdvisory(name string) (Advisory, bool) {
	m := advisoryPattern.FindStringSubmatch(path.Base(name))
	if m == nil {
		return Advisory{}, false
	}
	year, err := strconv.Atoi(m[2])
	if err != nil {
		return Advisory{}, false
	}
	adv, err := strconv.Atoi(m[3])
	if err != nil {
		return Advisory{}, false
	}
	return Advisory{Storm: m[1], Year: year, Advisory: adv}, true
}

// SelectRaster picks the hazard raster for the run. With name "auto" the
// latest advisory raster wins (year, advisory, basename); when no key
// follows the advisory layout the most recently modified object wins.
// Otherwise name matches a full key, a basename or a key suffix.
func SelectRaster(objs []storage.ObjectInfo, name string) (storage.ObjectInfo, error) {
	var tifs []storage.ObjectInfo
	for _, o := range objs {
		if strings.HasSuffix(strings.ToLower(o.Key), ".tif") {
			tifs = append(tifs, o)
		}
	}
	if len(tifs) == 0 {
		return storage.ObjectInfo{}, ErrNoRaster
	}

	if name != "" && name != AutoRaster {
		var matches []storage.ObjectInfo
		for _, o := range tifs {
			if o.Key == name || path.Base(o.Key) == name || strings.HasSuffix(o.Key, "/"+name) {
				matches = append(matches, o)
			}
		}
		if len(matches) == 0 {
			return storage.ObjectInfo{}, fmt.Errorf("%w: %s", ErrRasterNotFound, name)
		}
		sort.Slice(matches, func(i, j int) bool { return matches[i].Key < matches[j].Key })
		return matches[len(matches)-1], nil
	}

	type parsed struct {
		adv  Advisory
		base string
		obj  storage.ObjectInfo
	}
	var advisories []parsed
	for _, o := range tifs {
		if a, ok := ParseAdvisory(o.Key); ok {
			advisories = append(advisories, parsed{adv: a, base: path.Base(o.Key), obj: o})
		}
	}
	if len(advisories) > 0 {
		sort.Slice(advisories, func(i, j int) bool {
			a, b := advisories[i], advisories[j]
			if a.adv.Year != b.adv.Year {
				return a.adv.Year < b.adv.Year
			}
			if a.adv.Advisory != b.adv.Advisory {
				return a.adv.Advisory < b.adv.Advisory
			}
			return a.base < b.base
		})
		return advisories[len(advisories)-1].obj, nil
	}

	sort.Slice(tifs, func(i, j int) bool {
		if !tifs[i].ModTime.Equal(tifs[j].ModTime) {
			return tifs[i].ModTime.Before(tifs[j].ModTime)
		}
		return tifs[i].Key < tifs[j].Key
	})
	return tifs[len(tifs)-1], nil
}
