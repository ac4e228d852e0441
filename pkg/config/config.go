/*
Copyright 2017 The Storgo Authors All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the target configuration: an XML document naming the
// exported targets and the daemon-wide options.
package config

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
)

const (
	// ConfigFileName is the name of the target configuration file.
	ConfigFileName = "stgt-target.xml"

	// DefaultPort is the iSCSI listening port.
	DefaultPort = 3260

	// DefaultStorageFilePath backs a target that names no file.
	DefaultStorageFilePath = "storage.dat"

	// DefaultStorageType selects the raw-file backend.
	DefaultStorageType = "file"
)

var configDir = os.Getenv("STGT_CONFIG")

func init() {
	if configDir == "" {
		home, err := homedir.Dir()
		if err != nil {
			home = "."
		}
		configDir = filepath.Join(home, ".stgt")
	}
}

// ConfigDir returns the directory the configuration file is stored in.
func ConfigDir() string {
	return configDir
}

// StorageFile describes the medium behind one target.
type StorageFile struct {
	FilePath    string `xml:"FilePath"`
	StorageType string `xml:"StorageType"`
}

// Target is one exported volume.
type Target struct {
	TargetName  string      `xml:"TargetName"`
	TargetAlias string      `xml:"TargetAlias"`
	StorageFile StorageFile `xml:"StorageFile"`
}

// GlobalConfig carries the daemon-wide options.
type GlobalConfig struct {
	Port                   int  `xml:"Port"`
	AllowSloppyNegotiation bool `xml:"AllowSloppyNegotiation"`
}

// Config is the parsed configuration document.
type Config struct {
	XMLName      xml.Name     `xml:"configuration"`
	GlobalConfig GlobalConfig `xml:"GlobalConfig"`
	TargetList   struct {
		Targets []Target `xml:"Target"`
	} `xml:"TargetList"`
}

// Load reads the configuration file in the given directory (ConfigDir when
// empty) and applies the documented defaults.
func Load(dir string) (*Config, error) {
	if dir == "" {
		dir = ConfigDir()
	}
	filename := filepath.Join(dir, ConfigFileName)
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("%s - %v", filename, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes one configuration document.
func Parse(r io.Reader) (*Config, error) {
	config := &Config{}
	if err := xml.NewDecoder(r).Decode(config); err != nil {
		return nil, err
	}
	if config.GlobalConfig.Port == 0 {
		config.GlobalConfig.Port = DefaultPort
	}
	for i := range config.TargetList.Targets {
		t := &config.TargetList.Targets[i]
		if t.TargetName == "" {
			return nil, fmt.Errorf("target %d has no TargetName", i)
		}
		if t.StorageFile.FilePath == "" {
			t.StorageFile.FilePath = DefaultStorageFilePath
		}
		if t.StorageFile.StorageType == "" {
			t.StorageFile.StorageType = DefaultStorageType
		}
	}
	return config, nil
}
