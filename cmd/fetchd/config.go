package main

import (
	"fmt"
	"net/url"
	"os"

	"batchfetch/pkg/orchestrator"
	"batchfetch/pkg/transport"

	"gopkg.in/yaml.v3"
)

// EndpointSet is a named batch of endpoints the daemon can fetch.
type EndpointSet struct {
	SurfaceBadRequests bool
	Endpoints          []orchestrator.EndpointDescriptor
}

// YAML shapes for the endpoint-set file.
//
//	sets:
//	  dashboard:
//	    surface_bad_requests: true
//	    endpoints:
//	      - key: members
//	        path: /v1/members/
//	        paginate: true
//	        params:
//	          limit: "50"
//	        allow_status: [404]
type endpointSetFile struct {
	Sets map[string]endpointSetYAML `yaml:"sets"`
}

type endpointSetYAML struct {
	SurfaceBadRequests bool           `yaml:"surface_bad_requests"`
	Endpoints          []endpointYAML `yaml:"endpoints"`
}

type endpointYAML struct {
	Key         string            `yaml:"key"`
	Path        string            `yaml:"path"`
	Method      string            `yaml:"method"`
	Paginate    bool              `yaml:"paginate"`
	Params      map[string]string `yaml:"params"`
	AllowStatus []int             `yaml:"allow_status"`
}

// loadEndpointSets reads and parses the endpoint-set YAML file.
func loadEndpointSets(path string) (map[string]EndpointSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read endpoint sets: %w", err)
	}
	return parseEndpointSets(data)
}

// parseEndpointSets parses the endpoint-set YAML document.
func parseEndpointSets(data []byte) (map[string]EndpointSet, error) {
	var file endpointSetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse endpoint sets: %w", err)
	}
	if len(file.Sets) == 0 {
		return nil, fmt.Errorf("endpoint-set file declares no sets")
	}

	sets := make(map[string]EndpointSet, len(file.Sets))
	for name, setYAML := range file.Sets {
		if len(setYAML.Endpoints) == 0 {
			return nil, fmt.Errorf("set %q declares no endpoints", name)
		}

		set := EndpointSet{
			SurfaceBadRequests: setYAML.SurfaceBadRequests,
			Endpoints:          make([]orchestrator.EndpointDescriptor, 0, len(setYAML.Endpoints)),
		}
		for _, ep := range setYAML.Endpoints {
			desc, err := buildDescriptor(ep)
			if err != nil {
				return nil, fmt.Errorf("set %q: %w", name, err)
			}
			set.Endpoints = append(set.Endpoints, desc)
		}
		sets[name] = set
	}

	return sets, nil
}

func buildDescriptor(ep endpointYAML) (orchestrator.EndpointDescriptor, error) {
	if ep.Key == "" {
		return orchestrator.EndpointDescriptor{}, fmt.Errorf("endpoint missing key")
	}
	if ep.Path == "" {
		return orchestrator.EndpointDescriptor{}, fmt.Errorf("endpoint %q missing path", ep.Key)
	}

	desc := orchestrator.EndpointDescriptor{
		Key:    ep.Key,
		Path:   ep.Path,
		Method: ep.Method,
		Options: orchestrator.Options{
			Paginate: ep.Paginate,
		},
	}

	if len(ep.Params) > 0 {
		desc.Params = url.Values{}
		for key, value := range ep.Params {
			desc.Params.Set(key, value)
		}
	}

	if len(ep.AllowStatus) > 0 {
		statuses := append([]int(nil), ep.AllowStatus...)
		desc.Options.AllowError = func(err error) bool {
			for _, status := range statuses {
				if transport.IsStatus(err, status) {
					return true
				}
			}
			return false
		}
	}

	return desc, nil
}
