package models

import (
	_ "github.com/liger-go/liger/model/models/liger"
)
