package catalog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/dreamware/skytile/internal/fsutil"
)

// Property keys written by a build.
const (
	KeyCollection    = "obs_collection"
	KeyProductType   = "dataproduct_type"
	KeyTotalRows     = "hats_nrows"
	KeyOrder         = "hats_order"
	KeyMaxRows       = "hats_max_rows"
	KeySkyFraction   = "moc_sky_fraction"
	KeyRAColumn      = "hats_col_ra"
	KeyDecColumn     = "hats_col_dec"
	KeyCreationDate  = "hats_creation_date"
	KeyBuilder       = "hats_builder"
	KeySkymapOrders  = "hats_skymap_alt_orders"
	KeyMappingOrder  = "skytile_mapping_order"
	KeyRunID         = "skytile_run_id"
	KeyIncrement     = "skytile_increment"
	ProductTypeValue = "object"
)

// Properties is the catalog-level key=value record. Keys the build does not
// know about are carried over unchanged from one increment to the next.
type Properties map[string]string

// ReadProperties parses a properties file. Blank lines and lines starting
// with '#' are ignored.
func ReadProperties(path string) (Properties, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open properties")
	}
	defer f.Close()

	props := Properties{}
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return nil, errors.Errorf("%s:%d: expected key=value", path, line)
		}
		props[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return props, errors.Wrap(sc.Err(), "read properties")
}

// Write stores the properties at path with keys in sorted order.
func (p Properties) Write(path string) error {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	err := fsutil.WriteFile(path, func(w io.Writer) error {
		for _, k := range keys {
			if _, err := fmt.Fprintf(w, "%s=%s\n", k, p[k]); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrap(err, "write properties")
}

// Uint returns the unsigned integer stored under key.
func (p Properties) Uint(key string) (uint64, error) {
	v, ok := p[key]
	if !ok {
		return 0, errors.Errorf("property %s missing", key)
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "property %s", key)
	}
	return n, nil
}

// Orders returns a space separated list of orders stored under key. A
// missing key is an empty list.
func (p Properties) Orders(key string) ([]uint8, error) {
	var out []uint8
	for _, field := range strings.Fields(p[key]) {
		n, err := strconv.ParseUint(field, 10, 8)
		if err != nil {
			return nil, errors.Wrapf(err, "property %s", key)
		}
		out = append(out, uint8(n))
	}
	return out, nil
}

// FormatOrders is the inverse of Orders.
func FormatOrders(orders []uint8) string {
	parts := make([]string, len(orders))
	for i, o := range orders {
		parts[i] = strconv.Itoa(int(o))
	}
	return strings.Join(parts, " ")
}
