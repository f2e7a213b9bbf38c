// Package catalog models the hierarchical, remotely-extensible description
// of supported boards and flashable OS images, and resolves it into the flat
// list of images compatible with a selected device.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
)

// Flasher identifies the backend variant a device requires. The values
// match the discriminator strings used in catalog documents.
type Flasher string

const (
	FlasherSdCard               Flasher = "SdCard"
	FlasherBeagleConnectFreedom Flasher = "BeagleConnectFreedom"
	FlasherMsp430Usb            Flasher = "Msp430Usb"
	FlasherPb2Mspm0             Flasher = "Pb2Mspm0"
)

// Known reports whether the discriminator names a supported backend.
func (f Flasher) Known() bool {
	switch f {
	case FlasherSdCard, FlasherBeagleConnectFreedom, FlasherMsp430Usb, FlasherPb2Mspm0:
		return true
	}
	return false
}

// Device describes one supported board.
type Device struct {
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Flasher       Flasher  `json:"flasher"`
	Documentation string   `json:"documentation,omitempty"`
	Icon          string   `json:"icon,omitempty"`
}

// Entry is one node of the OS list. An entry is either a branch (subitems or
// subitems_url set) or a leaf (url plus checksum set), never both.
type Entry struct {
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	Icon          string   `json:"icon,omitempty"`
	Documentation string   `json:"documentation,omitempty"`
	Flasher       Flasher  `json:"flasher,omitempty"`
	// Devices holds the compatibility tags this image is restricted to.
	// An empty set means the image is universal.
	Devices     []string `json:"devices,omitempty"`
	Subitems    []*Entry `json:"subitems,omitempty"`
	SubitemsURL string   `json:"subitems_url,omitempty"`
	URL         string   `json:"url,omitempty"`
	ReleaseDate string   `json:"release_date,omitempty"`
	SHA256      string   `json:"image_download_sha256,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// IsLeaf reports whether the entry names a concrete, flashable artifact.
func (e *Entry) IsLeaf() bool {
	return e.URL != "" && len(e.Subitems) == 0 && e.SubitemsURL == ""
}

// IsBranch reports whether the entry groups further entries.
func (e *Entry) IsBranch() bool {
	return e.URL == "" && (len(e.Subitems) > 0 || e.SubitemsURL != "")
}

// Validate enforces the branch/leaf invariant for the entry itself. Children
// are validated by the resolver as they become visible, so that a malformed
// subtree degrades only that subtree.
func (e *Entry) Validate() error {
	hasChildren := len(e.Subitems) > 0 || e.SubitemsURL != ""
	switch {
	case e.URL != "" && hasChildren:
		return fmt.Errorf("catalog entry %q is both a branch and a leaf", e.Name)
	case e.URL == "" && !hasChildren:
		return fmt.Errorf("catalog entry %q is neither a branch nor a leaf", e.Name)
	case e.URL != "" && len(e.SHA256) != 64:
		return fmt.Errorf("catalog entry %q has no valid sha256 checksum", e.Name)
	}
	return nil
}

// CompatibleWith reports whether the entry may be flashed to a device
// advertising the given tag. Tag matching is case-sensitive; an entry with
// no device restriction matches everything.
func (e *Entry) CompatibleWith(deviceTag string) bool {
	if len(e.Devices) == 0 {
		return true
	}
	for _, d := range e.Devices {
		if d == deviceTag {
			return true
		}
	}
	return false
}

// Catalog is the root document: the device list and the OS list.
type Catalog struct {
	Devices []*Device `json:"devices"`
	OsList  []*Entry  `json:"os_list"`
}

// Parse decodes a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return &c, nil
}

// Load reads and decodes a catalog document from disk.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Device returns the device with the given name.
func (c *Catalog) Device(name string) (*Device, bool) {
	for _, d := range c.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return nil, false
}

// DeviceByTag returns the first device advertising the given tag.
func (c *Catalog) DeviceByTag(tag string) (*Device, bool) {
	for _, d := range c.Devices {
		for _, t := range d.Tags {
			if t == tag {
				return d, true
			}
		}
	}
	return nil, false
}

// Merge overlays a remotely fetched catalog onto this one. Devices and
// top-level OS entries from the remote document replace local entries with
// the same name; everything else is appended. The receiver is not modified.
func (c *Catalog) Merge(remote *Catalog) *Catalog {
	merged := &Catalog{
		Devices: append([]*Device(nil), c.Devices...),
		OsList:  append([]*Entry(nil), c.OsList...),
	}

	for _, rd := range remote.Devices {
		replaced := false
		for i, d := range merged.Devices {
			if d.Name == rd.Name {
				merged.Devices[i] = rd
				replaced = true
				break
			}
		}
		if !replaced {
			merged.Devices = append(merged.Devices, rd)
		}
	}

	for _, re := range remote.OsList {
		replaced := false
		for i, e := range merged.OsList {
			if e.Name == re.Name {
				merged.OsList[i] = re
				replaced = true
				break
			}
		}
		if !replaced {
			merged.OsList = append(merged.OsList, re)
		}
	}

	return merged
}
