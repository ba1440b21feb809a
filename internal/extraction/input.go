// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package extraction

import (
	"strings"
	"unicode/utf8"
)

// MaxInputChars bounds the text handed to the model.
const MaxInputChars = 30000

const attachmentMarker = "--- ATTACHMENTS ---"

// Document is an attachment's extracted text, labelled by its original name.
type Document struct {
	Name string
	Text string
}

// BuildInput concatenates the message body and attachment texts, with a
// boundary marker before the first attachment, and truncates the result to
// MaxInputChars characters.
func BuildInput(body string, docs []Document) string {
	var sb strings.Builder
	sb.WriteString(body)
	if len(docs) > 0 {
		sb.WriteString("\n\n")
		sb.WriteString(attachmentMarker)
		sb.WriteString("\n")
		for i, d := range docs {
			if i > 0 {
				sb.WriteString("\n\n")
			}
			sb.WriteString("[Attachment: ")
			sb.WriteString(d.Name)
			sb.WriteString("]\n")
			sb.WriteString(d.Text)
		}
	}
	return truncate(sb.String(), MaxInputChars)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
