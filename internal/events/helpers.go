package events

import (
	"encoding/json"
	"fmt"
)

// structToMap converts a struct to map[string]interface{} using JSON marshaling.
func structToMap(data interface{}) (map[string]interface{}, error) {
	bytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(bytes, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// mapToStruct converts a map[string]interface{} to a struct using JSON unmarshaling.
func mapToStruct(dataMap map[string]interface{}, target interface{}) error {
	bytes, err := json.Marshal(dataMap)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, target)
}

func (e *Event) setData(name string, data interface{}) error {
	dataMap, err := structToMap(data)
	if err != nil {
		return fmt.Errorf("failed to convert %s: %w", name, err)
	}
	e.Data = dataMap
	return nil
}

func (e *Event) getData(name string, target interface{}) error {
	if err := mapToStruct(e.Data, target); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

// GetRunStartedData retrieves RunStartedData from the Data field.
func (e *Event) GetRunStartedData() (*RunStartedData, error) {
	var data RunStartedData
	if err := e.getData("RunStartedData", &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetRunCompletedData retrieves RunCompletedData from the Data field.
func (e *Event) GetRunCompletedData() (*RunCompletedData, error) {
	var data RunCompletedData
	if err := e.getData("RunCompletedData", &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetMergeCommittedData retrieves MergeCommittedData from the Data field.
func (e *Event) GetMergeCommittedData() (*MergeCommittedData, error) {
	var data MergeCommittedData
	if err := e.getData("MergeCommittedData", &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetVerdictRejectedData retrieves VerdictRejectedData from the Data field.
func (e *Event) GetVerdictRejectedData() (*VerdictRejectedData, error) {
	var data VerdictRejectedData
	if err := e.getData("VerdictRejectedData", &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetProviderDegradedData retrieves ProviderDegradedData from the Data field.
func (e *Event) GetProviderDegradedData() (*ProviderDegradedData, error) {
	var data ProviderDegradedData
	if err := e.getData("ProviderDegradedData", &data); err != nil {
		return nil, err
	}
	return &data, nil
}
