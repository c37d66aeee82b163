package evse

import "strings"

const (
	lcdColumns = 16
	lcdRows    = 2
)

const (
	BacklightOff = iota
	BacklightRed
	BacklightGreen
	BacklightYellow
	BacklightBlue
	BacklightViolet
	BacklightTeal
	BacklightWhite
)

// RAPI clients send 0x11 or 0xFE where a space is meant.
var lcdSpaceReplacer = strings.NewReplacer("\x11", " ", "\xfe", " ")

func padRow(text string) string {
	if len(text) >= lcdColumns {
		return text[:lcdColumns]
	}
	return text + strings.Repeat(" ", lcdColumns-len(text))
}

func (e *EVSE) LCD() LCD {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lcd
}

// SetLCDText replaces both display rows. Rows are padded or truncated to 16
// characters.
func (e *EVSE) SetLCDText(row1, row2 string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lcd.Row1 = padRow(row1)
	e.lcd.Row2 = padRow(row2)
}

// SetLCDTextAt writes text starting at column x of row y. Text running past
// the last column is dropped. It returns false for an invalid position.
func (e *EVSE) SetLCDTextAt(x, y int, text string) bool {
	if x < 0 || x >= lcdColumns || y < 0 || y >= lcdRows {
		return false
	}
	text = lcdSpaceReplacer.Replace(text)

	e.mu.Lock()
	defer e.mu.Unlock()
	row := &e.lcd.Row1
	if y == 1 {
		row = &e.lcd.Row2
	}
	buf := []byte(padRow(*row))
	copy(buf[x:], text)
	*row = string(buf)
	return true
}

// SetLCDBacklight sets the backlight color (0-7).
func (e *EVSE) SetLCDBacklight(color int) bool {
	if color < BacklightOff || color > BacklightWhite {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lcd.Backlight = color
	return true
}
