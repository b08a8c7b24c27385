package adapter

import (
	"encoding/json"
	"errors"
)

// extractResultURL tolerates the result-URL shapes observed across
// generative-media providers, tried in this priority order: an array of
// strings, an array of {url} objects, a {fileUrl} object (as in
// Runninghub's data[0].fileUrl), or a {result:{fileUrl}} wrapper.
func extractResultURL(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", errors.New("empty result payload")
	}

	var strArray []string
	if err := json.Unmarshal(raw, &strArray); err == nil && len(strArray) > 0 && strArray[0] != "" {
		return strArray[0], nil
	}

	var objArray []struct {
		URL     string `json:"url"`
		FileURL string `json:"fileUrl"`
	}
	if err := json.Unmarshal(raw, &objArray); err == nil && len(objArray) > 0 {
		if objArray[0].URL != "" {
			return objArray[0].URL, nil
		}
		if objArray[0].FileURL != "" {
			return objArray[0].FileURL, nil
		}
	}

	var withFileURL struct {
		FileURL string `json:"fileUrl"`
	}
	if err := json.Unmarshal(raw, &withFileURL); err == nil && withFileURL.FileURL != "" {
		return withFileURL.FileURL, nil
	}

	var wrapped struct {
		Result struct {
			FileURL string `json:"fileUrl"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Result.FileURL != "" {
		return wrapped.Result.FileURL, nil
	}

	return "", errors.New("no recognized result url shape")
}
