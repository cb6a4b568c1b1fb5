// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package rainbow paints the interactive login banner. Git hosting
// offers no shell, so an interactive session gets a greeting and the
// fingerprint of the key that authenticated it.
package rainbow

import (
	"bufio"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
)

const (
	// https://budavariam.github.io/asciiart-text/multi
	// Banner3
	keelArt = `
'##:::'##:'########:'########:'##:::::::
 ##::'##:: ##.....:: ##.....:: ##:::::::
 ##:'##::: ##::::::: ##::::::: ##:::::::
 #####:::: ######::: ######::: ##:::::::
 ##. ##::: ##...:::: ##...:::: ##:::::::
 ##:. ##:: ##::::::: ##::::::: ##:::::::
 ##::. ##: ########: ########: ########:
..::::..::........::........::........::
`
	template = "Hi \x1b[38;2;67;233;123m%v\x1b[0m You've successfully authenticated, " +
		"but \x1b[38;2;72;198;239mKEEL\x1b[0m does not provide shell access.\n" +
		"signing using \x1b[38;2;177;244;207m%s\x1b[0m \x1b[38;2;250;112;154m%s\x1b[0m\n"
)

type DisplayOpts struct {
	UserName    string
	Fingerprint string
	KeyType     string
	Width       int // -1 not tty
}

// Light repaints its input one rune at a time, cycling the foreground
// through the hue wheel. Seed offsets the wheel so every login looks a
// little different.
type Light struct {
	Reader io.Reader
	Writer io.Writer
	Seed   int64
}

// wheel maps a position on a 0..255 ring onto an RGB color.
func wheel(pos int64) (r, g, b int) {
	pos &= 0xFF
	switch {
	case pos < 85:
		return int(255 - pos*3), int(pos * 3), 0
	case pos < 170:
		pos -= 85
		return 0, int(255 - pos*3), int(pos * 3)
	default:
		pos -= 170
		return int(pos * 3), 0, int(255 - pos*3)
	}
}

func (l *Light) Paint() error {
	scanner := bufio.NewScanner(l.Reader)
	w := bufio.NewWriter(l.Writer)
	row := l.Seed
	for scanner.Scan() {
		for i, c := range scanner.Text() {
			r, g, b := wheel(row + int64(i)*2)
			if _, err := fmt.Fprintf(w, "\x1b[38;2;%d;%d;%dm%c", r, g, b, c); err != nil {
				return err
			}
		}
		if _, err := w.WriteString("\x1b[0m\n"); err != nil {
			return err
		}
		row += 6
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return w.Flush()
}

func Display(w io.Writer, opts *DisplayOpts) {
	_, _ = w.Write([]byte("Welcome to KEEL 🎉🎉🎉\n"))
	if opts.Width >= 80 {
		rw := Light{
			Reader: strings.NewReader(keelArt),
			Writer: w,
			Seed:   rand.Int64N(256),
		}
		_ = rw.Paint()
	}
	_, _ = fmt.Fprintf(w, template, opts.UserName, opts.KeyType, opts.Fingerprint)
}
