package sidra

// Types mirror the v3 agregados API of servicodados.ibge.gov.br. Period and
// territory ids stay strings end to end; the API mixes numeric ids ("63")
// with coded ones ("N3") and nothing downstream does arithmetic on them.

// ResearchGroup is one entry of /v3/agregados?assunto={id}: a survey with
// its aggregate tables.
type ResearchGroup struct {
	ID        string         `json:"id"`
	Nome      string         `json:"nome"`
	Agregados []AggregateRef `json:"agregados"`
}

// AggregateRef identifies one aggregate table.
type AggregateRef struct {
	ID   string `json:"id"`
	Nome string `json:"nome"`
}

// Metadata describes an aggregate table: /v3/agregados/{id}/metadados
// merged with the period list from /v3/agregados/{id}/periodos.
type Metadata struct {
	ID               int              `json:"id"`
	Nome             string           `json:"nome"`
	URL              string           `json:"URL"`
	Pesquisa         string           `json:"pesquisa"`
	Assunto          string           `json:"assunto"`
	Periodicidade    Periodicity      `json:"periodicidade"`
	NivelTerritorial GeoLevels        `json:"nivelTerritorial"`
	Variaveis        []Variable       `json:"variaveis"`
	Classificacoes   []Classification `json:"classificacoes"`

	// Periodos comes from the separate periods endpoint. May be empty if
	// that request failed.
	Periodos []Period `json:"periodos,omitempty"`
}

// Periodicity describes the publication frequency and range.
type Periodicity struct {
	Frequencia string `json:"frequencia"`
	Inicio     int    `json:"inicio"`
	Fim        int    `json:"fim"`
}

// GeoLevels lists the territorial levels an aggregate is published at.
type GeoLevels struct {
	Administrativo []string `json:"Administrativo"`
	Especial       []string `json:"Especial"`
	IBGE           []string `json:"IBGE"`
}

// Variable is one measured variable of an aggregate.
type Variable struct {
	ID      int    `json:"id"`
	Nome    string `json:"nome"`
	Unidade string `json:"unidade"`
}

// Classification is a breakdown dimension with its categories.
type Classification struct {
	ID         int        `json:"id"`
	Nome       string     `json:"nome"`
	Categorias []Category `json:"categorias"`
}

// Category is one value of a classification.
type Category struct {
	ID      int    `json:"id"`
	Nome    string `json:"nome"`
	Unidade string `json:"unidade"`
	Nivel   int    `json:"nivel"`
}

// Period is one entry of /v3/agregados/{id}/periodos.
type Period struct {
	ID          string   `json:"id"`
	Literals    []string `json:"literals"`
	Modificacao string   `json:"modificacao"`
}

// VariableData is the top of the data response: one entry per requested
// variable.
type VariableData struct {
	ID         string      `json:"id"`
	Variavel   string      `json:"variavel"`
	Unidade    string      `json:"unidade"`
	Resultados []ResultSet `json:"resultados"`
}

// ResultSet groups series that share one classification combination.
type ResultSet struct {
	Classificacoes []SeriesClassification `json:"classificacoes"`
	Series         []LocalitySeries       `json:"series"`
}

// SeriesClassification names the classification and the single category
// this result set is sliced by. Categoria maps category id to name.
type SeriesClassification struct {
	Classificacao IDName            `json:"classificacao"`
	Categoria     map[string]string `json:"categoria"`
}

// IDName is the generic id/name pair the API uses everywhere.
type IDName struct {
	ID   string `json:"id"`
	Nome string `json:"nome"`
}

// LocalitySeries holds the period-to-value series for one locality.
type LocalitySeries struct {
	Localidade Locality          `json:"localidade"`
	Serie      map[string]string `json:"serie"`
}

// Locality identifies a territory at a given level.
type Locality struct {
	ID    string `json:"id"`
	Nivel IDName `json:"nivel"`
	Nome  string `json:"nome"`
}
