package nut

import (
	"strings"
)

// DefaultPort is the IANA port for upsd.
const DefaultPort = 3493

// VariableSet maps NUT variable names (battery.charge, ups.status, ...) to
// their raw string values for one device.
type VariableSet map[string]string

// DeviceInfo is one entry of a LIST UPS reply.
type DeviceInfo struct {
	Name        string
	Description string
}

// DeviceNames returns the protocol names of devices, preserving order.
func DeviceNames(devices []DeviceInfo) []string {
	names := make([]string, len(devices))
	for i, d := range devices {
		names[i] = d.Name
	}
	return names
}

// ---- Encoding -------------------------------------------------------------

// EncodeListUPS returns the command listing every device upsd serves.
func EncodeListUPS() string { return "LIST UPS" }

// EncodeListVars returns the command listing all variables of device.
func EncodeListVars(device string) string { return "LIST VAR " + device }

// EncodeGetVar returns the command reading a single variable.
func EncodeGetVar(device, name string) string { return "GET VAR " + device + " " + name }

// EncodeUsername and EncodePassword form the login handshake.
func EncodeUsername(username string) string { return "USERNAME " + quoteArg(username) }

func EncodePassword(password string) string { return "PASSWORD " + quoteArg(password) }

// EncodeLogout politely ends a session.
func EncodeLogout() string { return "LOGOUT" }

// listFrame returns the BEGIN/END lines that bracket the reply to a LIST
// command. ok is false for single-line commands.
func listFrame(cmd string) (begin, end string, ok bool) {
	if !strings.HasPrefix(cmd, "LIST ") {
		return "", "", false
	}
	return "BEGIN " + cmd, "END " + cmd, true
}

// ---- Decoding -------------------------------------------------------------

// DecodeOK checks a single-line reply for OK (USERNAME, PASSWORD, SET ...).
func DecodeOK(lines []string) error {
	lines = trimLines(lines)
	if err := checkError(lines); err != nil {
		return err
	}
	if !strings.HasPrefix(lines[0], "OK") {
		return malformed(lines[0])
	}
	return nil
}

// DecodeDeviceList parses the reply to LIST UPS:
//
//	BEGIN LIST UPS
//	UPS <name> "<description>"
//	END LIST UPS
func DecodeDeviceList(lines []string) ([]DeviceInfo, error) {
	body, err := listBody(EncodeListUPS(), lines)
	if err != nil {
		return nil, err
	}
	devices := make([]DeviceInfo, 0, len(body))
	for _, line := range body {
		fields, ok := splitFields(line)
		if !ok || len(fields) < 2 || len(fields) > 3 || fields[0] != "UPS" {
			return nil, malformed(line)
		}
		d := DeviceInfo{Name: fields[1]}
		if len(fields) == 3 {
			d.Description = fields[2]
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// DecodeVariableList parses the reply to LIST VAR <device>:
//
//	BEGIN LIST VAR <device>
//	VAR <device> <name> "<value>"
//	END LIST VAR <device>
//
// Quoted values are unescaped. A well-formed but empty list is not an error.
func DecodeVariableList(device string, lines []string) (VariableSet, error) {
	body, err := listBody(EncodeListVars(device), lines)
	if err != nil {
		return nil, err
	}
	vars := make(VariableSet, len(body))
	for _, line := range body {
		fields, ok := splitFields(line)
		if !ok || len(fields) != 4 || fields[0] != "VAR" || fields[1] != device {
			return nil, malformed(line)
		}
		vars[fields[2]] = fields[3]
	}
	return vars, nil
}

// ParseErrorLine converts an "ERR <code> [detail]" line into a
// ProtocolError. It returns nil for any other line.
func ParseErrorLine(line string) *ProtocolError {
	line = strings.TrimRight(line, "\r\n")
	if line != "ERR" && !strings.HasPrefix(line, "ERR ") {
		return nil
	}
	code := "UNKNOWN"
	if rest := strings.Fields(strings.TrimPrefix(line, "ERR")); len(rest) > 0 {
		code = rest[0]
	}
	return &ProtocolError{Code: code, Line: line}
}

func checkError(lines []string) error {
	if len(lines) == 0 {
		return &ProtocolError{Code: "EMPTY"}
	}
	if perr := ParseErrorLine(lines[0]); perr != nil {
		return perr
	}
	return nil
}

// listBody validates the BEGIN/END frame of a LIST reply and returns the
// lines between them.
func listBody(cmd string, lines []string) ([]string, error) {
	lines = trimLines(lines)
	if err := checkError(lines); err != nil {
		return nil, err
	}
	begin, end, _ := listFrame(cmd)
	if lines[0] != begin {
		return nil, malformed(lines[0])
	}
	if len(lines) < 2 || lines[len(lines)-1] != end {
		return nil, &ProtocolError{Code: "UNTERMINATED", Line: lines[len(lines)-1]}
	}
	return lines[1 : len(lines)-1], nil
}

func trimLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, strings.TrimRight(l, "\r\n"))
	}
	return out
}

// splitFields splits a protocol line on spaces, honouring double quotes and
// backslash escapes inside them. ok is false for an unterminated quote.
func splitFields(line string) (fields []string, ok bool) {
	var (
		cur     strings.Builder
		inQuote bool
		escaped bool
		started bool
	)
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case inQuote && r == '\\':
			escaped = true
		case r == '"':
			inQuote = !inQuote
			started = true
		case r == ' ' && !inQuote:
			if started {
				fields = append(fields, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	if inQuote || escaped {
		return nil, false
	}
	if started {
		fields = append(fields, cur.String())
	}
	return fields, true
}

// quote always wraps s in double quotes, escaping quotes and backslashes.
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

func quoteArg(s string) string {
	if s == "" || strings.ContainsAny(s, " \"\\") {
		return quote(s)
	}
	return s
}
