package serialframe

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jochenvg/go-udev"
)

// USBID identifies a USB-serial device by vendor and product id.
type USBID struct {
	Vendor  uint16
	Product uint16
}

// DiscoverDevicePath finds the device node (e.g. /dev/ttyUSB0) of the
// first connected tty exposing the given USB vendor/product id pair. It
// returns an error if no match is found.
func DiscoverDevicePath(id USBID) (string, error) {
	u := udev.Udev{}
	e := u.NewEnumerate()

	if err := e.AddMatchSubsystem("tty"); err != nil {
		return "", fmt.Errorf("serialframe: enumerate tty subsystem: %w", err)
	}

	devices, err := e.Devices()
	if err != nil {
		return "", fmt.Errorf("serialframe: enumerate devices: %w", err)
	}

	want := fmt.Sprintf("%04x", id.Vendor)
	wantProduct := fmt.Sprintf("%04x", id.Product)

	for _, d := range devices {
		vendor := firstUSBAncestorProperty(d, "ID_VENDOR_ID")
		product := firstUSBAncestorProperty(d, "ID_MODEL_ID")
		if strings.EqualFold(vendor, want) && strings.EqualFold(product, wantProduct) {
			if node := d.Devnode(); node != "" {
				return node, nil
			}
		}
	}

	return "", fmt.Errorf("serialframe: no tty device found for USB %04x:%04x", id.Vendor, id.Product)
}

// firstUSBAncestorProperty checks key on the device itself, then on its
// nearest "usb_device" ancestor. tty device nodes themselves don't carry
// ID_VENDOR_ID/ID_MODEL_ID, their USB parent does.
func firstUSBAncestorProperty(d *udev.Device, key string) string {
	if v := d.PropertyValue(key); v != "" {
		return v
	}
	if parent := d.ParentWithSubsystemDevtype("usb", "usb_device"); parent != nil {
		return parent.PropertyValue(key)
	}
	return ""
}

// ParseUSBID parses a "VVVV:PPPP" hex vendor:product string.
func ParseUSBID(s string) (USBID, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return USBID{}, fmt.Errorf("serialframe: invalid usb id %q, want VVVV:PPPP", s)
	}
	vendor, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return USBID{}, fmt.Errorf("serialframe: invalid vendor id %q: %w", parts[0], err)
	}
	product, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return USBID{}, fmt.Errorf("serialframe: invalid product id %q: %w", parts[1], err)
	}
	return USBID{Vendor: uint16(vendor), Product: uint16(product)}, nil
}
