package export

// documentationTemplate is the initial Verfahrensdokumentation written
// when none exists next to the archive. Operators may edit everything
// outside the auto-generated section; it is preserved across runs.
const documentationTemplate = `# Verfahrensdokumentation E-Mail-Archivierung

Dieses Dokument beschreibt das Verfahren zur revisionssicheren Archivierung
von E-Mails mit Bernstein im Sinne der GoBD.

## 1. Allgemeine Beschreibung

Bernstein archiviert fortlaufend alle über IMAP sichtbaren Nachrichten der
konfigurierten Konten in ein lokales, inhaltsadressiertes Archiv. Nachrichten
werden unverändert als Originalbytefolge gespeichert und sind nach der
Archivierung weder veränderbar noch löschbar.

## 2. Verantwortlichkeiten

_(Vom Betreiber auszufüllen: verantwortliche Personen, Vertretungsregeln.)_

## 3. Technisches Verfahren

Der folgende Abschnitt wird bei jedem Export automatisch aus dem laufenden
System erzeugt. Änderungen innerhalb der Markierungen gehen verloren.

<!-- BEGIN AUTO-GENERATED TECHNISCHE_SYSTEMDOKUMENTATION -->
<!-- END AUTO-GENERATED TECHNISCHE_SYSTEMDOKUMENTATION -->

## 4. Kontrollen

Die Integrität des Archivs wird bei jedem Programmstart sowie zyklisch im
Hintergrund geprüft (Hash-Kette und Root-Hash-Abgleich). Abweichungen werden
als eigene Ereignisse in der manipulationssicheren Ereigniskette protokolliert.

## 5. Aufbewahrung und Auslagerung

Auditor-Pakete (ZIP) enthalten alle Originalnachrichten, das vollständige
Ereignisprotokoll sowie einen Integritätsbericht und können unabhängig von
der Software geprüft werden.
`
