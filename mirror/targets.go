package mirror

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"
)

// ReadTargets parses a URL list: either plain text with one URL per line
// (blank lines and # comments ignored) or an XML document whose <loc>
// elements hold the URLs, as in a sitemap.
func ReadTargets(r io.Reader) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("mirror: read targets: %w", err)
	}
	var urls []string
	if trimmed := bytes.TrimSpace(data); bytes.HasPrefix(trimmed, []byte("<")) {
		urls, err = readLocs(trimmed)
		if err != nil {
			return nil, err
		}
	} else {
		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			urls = append(urls, line)
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("mirror: read targets: %w", err)
		}
	}
	if len(urls) == 0 {
		return nil, ErrNoURLs
	}
	return urls, nil
}

func readLocs(data []byte) ([]string, error) {
	var urls []string
	dec := xml.NewDecoder(bytes.NewReader(data))
	inLoc := false
	var cur strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("mirror: parse targets: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "loc" {
				inLoc = true
				cur.Reset()
			}
		case xml.CharData:
			if inLoc {
				cur.Write(t)
			}
		case xml.EndElement:
			if t.Name.Local == "loc" && inLoc {
				inLoc = false
				if u := strings.TrimSpace(cur.String()); u != "" {
					urls = append(urls, u)
				}
			}
		}
	}
	return urls, nil
}

// ReadTargetsFile is ReadTargets on a file.
func ReadTargetsFile(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("mirror: open targets: %w", err)
	}
	defer f.Close()
	return ReadTargets(f)
}
