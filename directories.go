/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/


package spoold

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/foxcpp/spoold/framework/config"
	"github.com/foxcpp/spoold/framework/log"
)

var (
	// ConfigDirectory is where the default configuration file is looked
	// up. Can be changed at build time using -ldflags -X.
	ConfigDirectory = "/etc/spoold"

	// DefaultStateDirectory is used if state_dir is not set.
	DefaultStateDirectory = "/var/lib/spoold"
)

// InitDirs makes sure the state directory exists and is writable and
// changes the working directory to it so relative paths in the
// configuration are resolved against it.
func InitDirs() error {
	if config.StateDirectory == "" {
		config.StateDirectory = DefaultStateDirectory
	}

	abs, err := filepath.Abs(config.StateDirectory)
	if err != nil {
		return err
	}
	config.StateDirectory = abs

	if err := ensureDirectoryWritable(config.StateDirectory); err != nil {
		return err
	}
	if !filepath.IsAbs(config.StateDirectory) {
		return errors.New("state_dir should be absolute")
	}

	if err := os.Chdir(config.StateDirectory); err != nil {
		log.Println(err)
	}
	return nil
}

func ensureDirectoryWritable(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return err
	}

	testFile, err := os.Create(filepath.Join(path, "writeable-test"))
	if err != nil {
		return err
	}
	testFile.Close()
	return os.Remove(testFile.Name())
}
