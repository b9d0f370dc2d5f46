package cmd

import (
	"io"
	"os"

	"grimm.is/vrouter/internal/errors"
	"grimm.is/vrouter/internal/state"
)

// RunImport stores a JSON document as the named data bag. A file of "-"
// reads standard input.
func RunImport(configFile, key, file string, stdin io.Reader) error {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return err
	}
	NewLogger(cfg)

	var data []byte
	if file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return errors.Wrapf(err, errors.KindNotFound, "read %s", file)
	}

	db, err := OpenStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	return state.NewBags(db).Import(key, data)
}
