// Package pathmap maps hierarchical cdffs paths onto the backend's flat
// metadata records. Translation is a pure function of the path string: the
// same path always yields the same (directory, external ID, name) triple.
package pathmap

import (
	"path"
	"strings"

	"github.com/cdffs/cdffs/pkg/errors"
	"github.com/cdffs/cdffs/pkg/types"
)

// Protocol is the URL scheme recognized in front of cdffs paths.
const Protocol = "cdffs"

// StripProtocol removes the cdffs:// scheme from a path, if present.
func StripProtocol(p string) string {
	return strings.TrimPrefix(p, Protocol+"://")
}

// hasSuffix reports whether a path segment carries a file extension.
func hasSuffix(segment string) bool {
	return path.Ext(segment) != ""
}

// suffixedSegments returns the path segments that carry a file extension.
func suffixedSegments(p string) []string {
	var out []string
	for _, part := range strings.Split(p, "/") {
		if part != "" && hasSuffix(part) {
			out = append(out, part)
		}
	}
	return out
}

// Split separates a path into its root directory, external ID prefix, and
// external ID. When the caller's metadata template carries a directory, that
// directory overrides the suffix-based split. validateSuffix controls
// whether a path without a suffixed segment is an error; directory listings
// pass false.
//
// The returned root always has a leading slash. Note the backend indexes
// primarily by external ID, so two paths sharing a final filename under
// different roots are an unchecked precondition of the caller, not an error
// detected here.
func Split(p string, templateDir string, validateSuffix bool) (root, prefix, externalID string, err error) {
	p = StripProtocol(p)

	switch {
	case templateDir != "":
		root = strings.Trim(templateDir, "/")
		externalID = strings.TrimLeft(strings.Replace(p, root, "", 1), "/")
		if externalID != "" {
			prefix = strings.SplitN(externalID, "/", 2)[0]
		}

	case len(suffixedSegments(p)) > 0:
		prefix = suffixedSegments(p)[0]
		idx := strings.Index(p, prefix)
		root = strings.Trim(p[:idx], "/")
		externalID = p[idx:]

	case strings.Trim(p, "/") != "" && !validateSuffix:
		root = strings.Trim(p, "/")

	default:
		return "", "", "", errors.Newf(errors.ErrCodePathInvalid,
			"path %q is not valid or the file name doesn't have a valid suffix", p)
	}

	return "/" + root, prefix, externalID, nil
}

// Translate derives the backend key for a file path. The path must name a
// file (its final segment carries a suffix) unless the metadata template
// pins the root directory.
func Translate(p string, templateDir string) (types.PathKey, error) {
	root, _, externalID, err := Split(p, templateDir, true)
	if err != nil {
		return types.PathKey{}, err
	}
	if externalID == "" {
		return types.PathKey{}, errors.Newf(errors.ErrCodePathInvalid,
			"path %q does not name a file", p)
	}
	return types.PathKey{
		Directory:  root,
		ExternalID: externalID,
		Name:       path.Base(externalID),
	}, nil
}

// TranslateMany derives the backend keys for a multi-object container write:
// one logical root path whose members become physical objects sharing the
// container's directory prefix.
func TranslateMany(rootPath string, templateDir string, members []string) ([]types.PathKey, error) {
	root, _, externalID, err := Split(rootPath, templateDir, false)
	if err != nil {
		return nil, err
	}
	container := externalID
	if container == "" {
		// Path named a bare directory; members hang directly off it.
		container = strings.TrimPrefix(root, "/")
		root = "/"
	}

	keys := make([]types.PathKey, 0, len(members))
	for _, member := range members {
		member = strings.Trim(member, "/")
		keys = append(keys, types.PathKey{
			Directory:  root,
			ExternalID: path.Join(container, member),
			Name:       path.Base(member),
		})
	}
	return keys, nil
}
