/*

The wire types below started from:
https://github.com/keltia/dmarc-cat/blob/0690798d36ec52f9a7dfa0a8c3390829f831524f/types.go

BSD 2-Clause License:

Copyright (c) 2018, Ollivier Robert All rights reserved.

Redistribution and use in source and binary forms, with or without modification, are permitted
provided that the following conditions are met:

Redistributions of source code must retain the above copyright notice, this list of conditions
and the following disclaimer.

Redistributions in binary form must reproduce the above copyright notice, this list of
conditions and the following disclaimer in the documentation and/or other materials provided
with the distribution.

THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS" AND ANY EXPRESS
OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES OF MERCHANTABILITY
AND FITNESS FOR A PARTICULAR PURPOSE ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT OWNER
OR CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR
CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER CAUSED AND ON
ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING NEGLIGENCE
OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE
POSSIBILITY OF SUCH DAMAGE.

The views and conclusions contained in the software and documentation are those of the
authors and should not be interpreted as representing official policies, either
expressed or implied, of the author.

*/

package dmarc

import (
	"encoding/xml"
)

// Numeric fields are kept as text so that a malformed value can be reported
// with its field name instead of a generic decoder error. Sections are
// pointers so a missing section can be told apart from an empty one.

type wireDateRange struct {
	Begin *string `xml:"begin"`
	End   *string `xml:"end"`
}

type wireMetadata struct {
	OrgName          string         `xml:"org_name"`
	Email            string         `xml:"email"`
	ExtraContactInfo string         `xml:"extra_contact_info"`
	ReportID         string         `xml:"report_id"`
	DateRange        *wireDateRange `xml:"date_range"`
	Errors           []string       `xml:"error"`
}

type wirePolicyPublished struct {
	Domain string  `xml:"domain"`
	ADKIM  string  `xml:"adkim"`
	ASPF   string  `xml:"aspf"`
	P      *string `xml:"p"`
	SP     string  `xml:"sp"`
	Pct    *string `xml:"pct"`
	Fo     string  `xml:"fo"`
}

type wireReason struct {
	Type    string `xml:"type"`
	Comment string `xml:"comment"`
}

type wirePolicyEvaluated struct {
	Disposition string       `xml:"disposition"`
	DKIM        string       `xml:"dkim"`
	SPF         string       `xml:"spf"`
	Reasons     []wireReason `xml:"reason"`
}

type wireRow struct {
	SourceIP string              `xml:"source_ip"`
	Count    *string             `xml:"count"`
	Policy   *wirePolicyEvaluated `xml:"policy_evaluated"`
}

type wireIdentifiers struct {
	HeaderFrom   string `xml:"header_from"`
	EnvelopeFrom string `xml:"envelope_from"`
	EnvelopeTo   string `xml:"envelope_to"`
}

type wireDKIMResult struct {
	Domain      string `xml:"domain"`
	Selector    string `xml:"selector"`
	Result      string `xml:"result"`
	HumanResult string `xml:"human_result"`
}

type wireSPFResult struct {
	Domain string `xml:"domain"`
	Scope  string `xml:"scope"`
	Result string `xml:"result"`
}

// Receivers may emit several dkim/spf results per record (one per signature).
type wireAuthResults struct {
	DKIM []wireDKIMResult `xml:"dkim"`
	SPF  []wireSPFResult  `xml:"spf"`
}

type wireRecord struct {
	Row         *wireRow        `xml:"row"`
	Identifiers wireIdentifiers `xml:"identifiers"`
	AuthResults wireAuthResults `xml:"auth_results"`
}

// wireFeedback matches the RFC 7489 <feedback> root in any namespace.
type wireFeedback struct {
	XMLName  xml.Name             `xml:"feedback"`
	Version  string               `xml:"version"`
	Metadata *wireMetadata        `xml:"report_metadata"`
	Policy   *wirePolicyPublished `xml:"policy_published"`
	Records  []wireRecord         `xml:"record"`
}
