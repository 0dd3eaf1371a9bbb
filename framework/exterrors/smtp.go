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

package exterrors

import (
	"fmt"
	"strings"
)

type EnhancedCode [3]int

func (ec EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
}

// SMTPError describes a delivery failure in SMTP terms. It is what
// remote delivery reports and what ends up in DSNs.
type SMTPError struct {
	Code         int
	EnhancedCode EnhancedCode
	Message      string

	// TargetName is the component that generated the error, if any.
	TargetName string

	// Err is the underlying error, used for logging only.
	Err error

	// Misc contains additional fields for the log line.
	Misc map[string]interface{}
}

func (se *SMTPError) Unwrap() error {
	return se.Err
}

func (se *SMTPError) Fields() map[string]interface{} {
	fields := make(map[string]interface{}, len(se.Misc)+4)
	for k, v := range se.Misc {
		fields[k] = v
	}
	fields["smtp_code"] = se.Code
	fields["smtp_enchcode"] = se.EnhancedCode
	fields["smtp_msg"] = se.Message
	if se.TargetName != "" {
		fields["target"] = se.TargetName
	}
	return fields
}

func (se *SMTPError) Temporary() bool {
	return se.Code/100 == 4
}

func (se *SMTPError) Error() string {
	if se.Err != nil {
		return se.Err.Error()
	}
	return fmt.Sprintf("%d %v %s", se.Code, se.EnhancedCode, se.Message)
}

// SMTPCode picks an SMTP code for err: temporaryCode if err is
// temporary (or unspecified), permanentCode otherwise.
func SMTPCode(err error, temporaryCode, permanentCode int) int {
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}

// SMTPEnchCode is like SMTPCode, the class digit of code is set
// according to err temporariness.
func SMTPEnchCode(err error, code EnhancedCode) EnhancedCode {
	if IsTemporaryOrUnspec(err) {
		code[0] = 4
	} else {
		code[0] = 5
	}
	return code
}

// Describe returns a single-line description of err suitable for
// storing in a message error field.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	return strings.ReplaceAll(strings.TrimSpace(err.Error()), "\n", " ")
}
