package query

import "encoding/json"

// Wire types of the Power BI querydata protocol. Only the subset used by the
// precatório report is modelled.

type request struct {
	Version       string        `json:"version"`
	Queries       []queryEntry  `json:"queries"`
	CancelQueries []interface{} `json:"cancelQueries"`
	ModelID       int64         `json:"modelId"`
}

type queryEntry struct {
	Query    queryBody `json:"Query"`
	CacheKey string    `json:"CacheKey,omitempty"`
	QueryID  string    `json:"QueryId"`
}

type queryBody struct {
	Commands []command `json:"Commands"`
}

type command struct {
	SemanticQueryDataShapeCommand dataShapeCommand `json:"SemanticQueryDataShapeCommand"`
}

type dataShapeCommand struct {
	Query                semanticQuery `json:"Query"`
	Binding              binding       `json:"Binding"`
	ExecutionMetricsKind int           `json:"ExecutionMetricsKind,omitempty"`
}

type semanticQuery struct {
	Version int           `json:"Version"`
	From    []source      `json:"From"`
	Select  []selectItem  `json:"Select"`
	Where   []whereClause `json:"Where,omitempty"`
	OrderBy []orderByItem `json:"OrderBy,omitempty"`
}

type source struct {
	Name   string `json:"Name"`
	Entity string `json:"Entity"`
	Type   int    `json:"Type"`
}

type columnRef struct {
	Expression sourceExpr `json:"Expression"`
	Property   string     `json:"Property"`
}

type sourceExpr struct {
	SourceRef struct {
		Source string `json:"Source"`
	} `json:"SourceRef"`
}

type columnExpr struct {
	Column columnRef `json:"Column"`
}

type selectItem struct {
	Column columnRef `json:"Column"`
	Name   string    `json:"Name"`
}

type whereClause struct {
	Condition struct {
		In inCondition `json:"In"`
	} `json:"Condition"`
}

type inCondition struct {
	Expressions []columnExpr `json:"Expressions"`
	Values      [][]literal  `json:"Values"`
}

type literal struct {
	Literal struct {
		Value string `json:"Value"`
	} `json:"Literal"`
}

type orderByItem struct {
	Direction  int        `json:"Direction"`
	Expression columnExpr `json:"Expression"`
}

type binding struct {
	Primary            bindingPrimary `json:"Primary"`
	DataReduction      dataReduction  `json:"DataReduction"`
	IncludeEmptyGroups bool           `json:"IncludeEmptyGroups,omitempty"`
	Version            int            `json:"Version"`
}

type bindingPrimary struct {
	Groupings []grouping `json:"Groupings"`
}

type grouping struct {
	Projections []int `json:"Projections"`
}

type dataReduction struct {
	DataVolume int `json:"DataVolume"`
	Primary    struct {
		Window window `json:"Window"`
	} `json:"Primary"`
}

type window struct {
	Count         int             `json:"Count,omitempty"`
	RestartTokens json.RawMessage `json:"RestartTokens,omitempty"`
}

func column(property string) columnRef {
	var c columnRef
	c.Expression.SourceRef.Source = sourceAlias
	c.Property = property
	return c
}

func selectColumn(property string) selectItem {
	return selectItem{Column: column(property), Name: Table + "." + property}
}
