package mock

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// taggingTargetPrefix prefixes the X-Amz-Target header of Resource Groups
// Tagging API calls.
const taggingTargetPrefix = "ResourceGroupsTaggingAPI_20170126."

const defaultResourcesPerPage = 50

type getResourcesInput struct {
	PaginationToken     string   `json:"PaginationToken"`
	ResourceTypeFilters []string `json:"ResourceTypeFilters"`
	ResourcesPerPage    int      `json:"ResourcesPerPage"`
	TagFilters          []struct {
		Key    string   `json:"Key"`
		Values []string `json:"Values"`
	} `json:"TagFilters"`
}

type taggingTag struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

type resourceTagMapping struct {
	ResourceARN string       `json:"ResourceARN"`
	Tags        []taggingTag `json:"Tags"`
}

type getResourcesOutput struct {
	PaginationToken        string               `json:"PaginationToken"`
	ResourceTagMappingList []resourceTagMapping `json:"ResourceTagMappingList"`
}

// sendJSONError renders an error in the JSON 1.1 protocol format.
func (s *Server) sendJSONError(w http.ResponseWriter, apiErr *APIError) {
	w.Header().Set("Content-Type", "application/x-amz-json-1.1")
	w.WriteHeader(apiErr.Status)
	json.NewEncoder(w).Encode(map[string]string{
		"__type":  apiErr.Code,
		"Message": apiErr.Message,
	})
}

// resourceKinds maps resource type filters to mock resource kinds.
// "rds" alone selects both kinds.
func resourceKinds(filters []string) ([]string, bool) {
	var kinds []string
	for _, f := range filters {
		switch f {
		case "rds":
			kinds = append(kinds, KindInstance, KindCluster)
		case "rds:" + KindInstance:
			kinds = append(kinds, KindInstance)
		case "rds:" + KindCluster:
			kinds = append(kinds, KindCluster)
		default:
			if !strings.HasPrefix(f, "rds:") {
				continue
			}
			return nil, false
		}
	}
	return kinds, true
}

func (s *Server) handleGetResources(w http.ResponseWriter, r *http.Request) {
	var in getResourcesInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.sendJSONError(w, &APIError{Code: "InvalidParameterException", Message: "malformed request body", Status: http.StatusBadRequest})
		return
	}
	if len(in.TagFilters) > 1 {
		s.sendJSONError(w, &APIError{Code: "InvalidParameterException", Message: "mock supports a single tag filter", Status: http.StatusBadRequest})
		return
	}

	kinds, ok := resourceKinds(in.ResourceTypeFilters)
	if !ok {
		s.sendJSONError(w, &APIError{Code: "InvalidParameterException", Message: "unsupported resource type filter", Status: http.StatusBadRequest})
		return
	}
	// Filters naming only other services match nothing.
	if len(in.ResourceTypeFilters) > 0 && len(kinds) == 0 {
		s.writeGetResources(w, getResourcesOutput{ResourceTagMappingList: []resourceTagMapping{}})
		return
	}

	var matched []*MockResource
	if len(in.TagFilters) == 0 {
		for _, m := range [][]*MockResource{s.state.ListInstances(), s.state.ListClusters()} {
			matched = append(matched, m...)
		}
	} else {
		matched = s.state.FindTagged(kinds, in.TagFilters[0].Key, in.TagFilters[0].Values)
	}

	offset := 0
	if in.PaginationToken != "" {
		n, err := strconv.Atoi(in.PaginationToken)
		if err != nil || n < 0 || n > len(matched) {
			s.sendJSONError(w, &APIError{Code: "PaginationTokenExpiredException", Message: "invalid pagination token", Status: http.StatusBadRequest})
			return
		}
		offset = n
	}
	perPage := in.ResourcesPerPage
	if perPage <= 0 {
		perPage = defaultResourcesPerPage
	}
	end := min(offset+perPage, len(matched))

	out := getResourcesOutput{ResourceTagMappingList: make([]resourceTagMapping, 0, end-offset)}
	for _, res := range matched[offset:end] {
		m := resourceTagMapping{ResourceARN: res.ARN, Tags: make([]taggingTag, 0, len(res.Tags))}
		for k, v := range res.Tags {
			m.Tags = append(m.Tags, taggingTag{Key: k, Value: v})
		}
		out.ResourceTagMappingList = append(out.ResourceTagMappingList, m)
	}
	if end < len(matched) {
		out.PaginationToken = strconv.Itoa(end)
	}

	s.writeGetResources(w, out)
}

func (s *Server) writeGetResources(w http.ResponseWriter, out getResourcesOutput) {
	w.Header().Set("Content-Type", "application/x-amz-json-1.1")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.logger.Error("failed to encode tagging response", "error", err)
	}
}
