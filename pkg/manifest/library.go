package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/schematic"
)

// LoadNetworkFile reads a file holding a single network definition.
func LoadNetworkFile(path string) (*schematic.Network, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	var def schematic.NetworkDefinition
	if err := decodeStrict(data, &def); err != nil {
		return nil, sdkerrors.Validation(fmt.Sprintf("failed to parse network %s", path), err)
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return schematic.BuildNetwork(def)
}

// LoadLibrary loads every .yaml and .yml file in dir as a network, keyed by
// network name. Two files declaring the same name are an error.
func LoadLibrary(dir string) (map[string]*schematic.Network, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, sdkerrors.Validation(fmt.Sprintf("cannot read library %s", dir), err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	library := make(map[string]*schematic.Network, len(files))
	source := make(map[string]string, len(files))
	for _, path := range files {
		n, err := LoadNetworkFile(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := source[n.Name]; dup {
			return nil, sdkerrors.Validation(fmt.Sprintf("network %q is declared in both %s and %s", n.Name, prev, path), sdkerrors.ErrInvalidConfig)
		}
		library[n.Name] = n
		source[n.Name] = path
	}
	return library, nil
}
