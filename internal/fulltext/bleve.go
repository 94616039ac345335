// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package fulltext implements a full text search over shared element values
// using Bleve.
package fulltext

import (
	"strconv"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/sirupsen/logrus"

	"github.com/spencerc99/playhtml-sub002/crdt"
	"github.com/spencerc99/playhtml-sub002/setup/config"
	"github.com/spencerc99/playhtml-sub002/setup/process"

	// side effect imports to allow all possible languages
	_ "github.com/blevesearch/bleve/v2/analysis/lang/ar"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/cjk"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/ckb"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/da"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/de"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/en"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/es"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/fi"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/fr"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/hi"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/hu"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/it"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/nl"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/no"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/pt"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/ro"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/ru"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/sv"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/tr"
)

// Search contains all existing bleve.Index
type Search struct {
	FulltextIndex bleve.Index
}

type Indexer interface {
	Index(elements ...IndexElement) error
	Delete(id string) error
}

// IndexElement describes the layout of an element to index.
type IndexElement struct {
	RoomID    string
	Tag       string
	ElementID string
	Content   string
}

// ID returns the index document ID for this element. A (room, tag, element)
// triple has exactly one live value, so re-indexing it replaces the previous
// document.
func (i IndexElement) ID() string {
	return strings.Join([]string{i.RoomID, i.Tag, i.ElementID}, "\x1f")
}

// New opens a new/existing fulltext index
func New(processCtx *process.ProcessContext, cfg config.Fulltext) (fts *Search, err error) {
	fts = &Search{}
	fts.FulltextIndex, err = openIndex(cfg)
	if err != nil {
		return nil, err
	}
	go func() {
		processCtx.ComponentStarted()
		// Wait for the processContext to be done, indicating that the server
		// is shutting down.
		<-processCtx.WaitForShutdown()
		_ = fts.Close()
		processCtx.ComponentFinished()
		logrus.Infof("Stopped FullText")
	}()
	return fts, nil
}

// Close closes the fulltext index
func (f *Search) Close() error {
	return f.FulltextIndex.Close()
}

// Index indexes the given elements
func (f *Search) Index(elements ...IndexElement) error {
	batch := f.FulltextIndex.NewBatch()
	for _, element := range elements {
		if err := batch.Index(element.ID(), element); err != nil {
			return err
		}
	}
	return f.FulltextIndex.Batch(batch)
}

// Delete deletes an indexed element by its document ID.
func (f *Search) Delete(id string) error {
	return f.FulltextIndex.Delete(id)
}

// Search searches the index given a search term and optional room filter.
func (f *Search) Search(term string, roomIDs []string, limit, from int) (*bleve.SearchResult, error) {
	qry := bleve.NewConjunctionQuery()
	termQuery := bleve.NewBooleanQuery()

	terms := strings.Split(term, " ")
	for _, term := range terms {
		matchQuery := bleve.NewMatchQuery(term)
		matchQuery.SetField("Content")
		termQuery.AddMust(matchQuery)
	}
	qry.AddQuery(termQuery)

	if len(roomIDs) > 0 {
		roomQuery := bleve.NewBooleanQuery()
		for _, roomID := range roomIDs {
			roomSearch := bleve.NewMatchQuery(roomID)
			roomSearch.SetField("RoomID")
			roomQuery.AddShould(roomSearch)
		}
		qry.AddQuery(roomQuery)
	}

	s := bleve.NewSearchRequestOptions(qry, limit, from, false)
	s.Fields = []string{"*"}
	s.SortBy([]string{"_score"})

	// Highlight some results
	s.Highlight = bleve.NewHighlight()
	s.Highlight.Fields = []string{"Content"}

	return f.FulltextIndex.Search(s)
}

func openIndex(cfg config.Fulltext) (bleve.Index, error) {
	m := getMapping(cfg)
	if cfg.InMemory {
		return bleve.NewMemOnly(m)
	}
	if index, err := bleve.Open(string(cfg.IndexPath)); err == nil {
		return index, nil
	}

	index, err := bleve.New(string(cfg.IndexPath), m)
	if err != nil {
		return nil, err
	}
	return index, nil
}

func getMapping(cfg config.Fulltext) *mapping.IndexMappingImpl {
	contentFieldMapping := bleve.NewTextFieldMapping()
	contentFieldMapping.Analyzer = cfg.Language

	elementMapping := bleve.NewDocumentMapping()
	elementMapping.AddFieldMappingsAt("Content", contentFieldMapping)

	// Index entries as keyword
	keywordMapping := bleve.NewTextFieldMapping()
	keywordMapping.Analyzer = keyword.Name
	elementMapping.AddFieldMappingsAt("RoomID", keywordMapping)
	elementMapping.AddFieldMappingsAt("Tag", keywordMapping)
	elementMapping.AddFieldMappingsAt("ElementID", keywordMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.AddDocumentMapping("elementMapping", elementMapping)
	indexMapping.DefaultType = "elementMapping"
	return indexMapping
}

// ContentText flattens a shared element value into the text that gets
// indexed. Strings, numbers and booleans contribute their literal text; lists
// and maps contribute the text of their values. Keys are structure, not
// content, and stay out of the index.
func ContentText(v crdt.Value) string {
	var sb strings.Builder
	appendText(&sb, v)
	return sb.String()
}

func appendText(sb *strings.Builder, v crdt.Value) {
	switch v.Kind() {
	case crdt.KindString:
		writeWord(sb, v.Str())
	case crdt.KindNumber:
		writeWord(sb, strconv.FormatFloat(v.Number(), 'f', -1, 64))
	case crdt.KindBool:
		writeWord(sb, strconv.FormatBool(v.Bool()))
	case crdt.KindList:
		for i := 0; i < v.Len(); i++ {
			appendText(sb, v.Index(i))
		}
	case crdt.KindMap:
		for _, key := range v.Keys() {
			if field, ok := v.Field(key); ok {
				appendText(sb, field)
			}
		}
	}
}

func writeWord(sb *strings.Builder, word string) {
	if word == "" {
		return
	}
	if sb.Len() > 0 {
		sb.WriteByte(' ')
	}
	sb.WriteString(word)
}
