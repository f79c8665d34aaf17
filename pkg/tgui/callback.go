package tgui

import (
	"errors"
	"strconv"
	"strings"
)

// MaxCallbackDataLen is Telegram's callback_data size limit in bytes.
const MaxCallbackDataLen = 64

var ErrCallbackDataTooLong = errors.New("tgui: callback_data too long")

// Data joins parts into "a:b:c" callback data. Parts must not contain ':'.
func Data(parts ...string) string { return strings.Join(parts, ":") }

// DataID is Data with a trailing numeric id.
func DataID(prefix string, id int64) string { return prefix + ":" + strconv.FormatInt(id, 10) }

// CheckData validates callback data length.
func CheckData(data string) error {
	if len(data) > MaxCallbackDataLen {
		return ErrCallbackDataTooLong
	}
	return nil
}

// Split is the inverse of Data.
func Split(data string) []string {
	if data == "" {
		return nil
	}
	return strings.Split(data, ":")
}
