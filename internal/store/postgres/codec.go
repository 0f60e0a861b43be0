package postgres

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	"dayroutine/internal/model"
)

func encode(doc *model.ScheduleDocument) (datatypes.JSON, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	return datatypes.JSON(data), nil
}

func decode(data datatypes.JSON) (*model.ScheduleDocument, error) {
	var doc model.ScheduleDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return &doc, nil
}
